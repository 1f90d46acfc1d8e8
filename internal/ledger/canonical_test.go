package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"org_id": "org-1", "job_id": "j-1", "kind": "document"}
	b := map[string]any{"kind": "document", "job_id": "j-1", "org_id": "org-1"}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
	require.Equal(t, `{"job_id":"j-1","kind":"document","org_id":"org-1"}`, string(ca))
}

func TestCanonicalizeNested(t *testing.T) {
	payload := map[string]any{
		"z": []any{map[string]any{"b": 2, "a": 1}, "x"},
		"a": map[string]any{"nested": true},
	}
	got, err := Canonicalize(payload)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"nested":true},"z":[{"a":1,"b":2},"x"]}`, string(got))
}

func TestCanonicalizeNumbersStable(t *testing.T) {
	first, err := Canonicalize(map[string]any{"confidence": 0.99, "count": 3})
	require.NoError(t, err)
	second, err := Canonicalize(map[string]any{"count": 3, "confidence": 0.99})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCanonicalizeStructs(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	got, err := Canonicalize(payload{B: "2", A: "1"})
	require.NoError(t, err)
	// Struct field order does not leak into the canonical form.
	require.Equal(t, `{"a":"1","b":"2"}`, string(got))
}

func TestCanonicalizeNull(t *testing.T) {
	got, err := Canonicalize(map[string]any{"v": nil})
	require.NoError(t, err)
	require.Equal(t, `{"v":null}`, string(got))
}
