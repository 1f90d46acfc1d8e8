package ledger

import (
	"context"
	"errors"
	"time"
)

// Record is one immutable entry in the hash chain. Sequence numbers start
// at 1 and are gapless within a ledger instance.
type Record struct {
	Sequence      uint64    `json:"sequence"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	ObjectRef     string    `json:"object_ref"`
	PayloadDigest string    `json:"payload_digest"`
	PrevHash      string    `json:"prev_hash"`
	ThisHash      string    `json:"this_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// ErrSequenceTaken reports a lost append race: another appender inserted a
// record at the sequence we computed. The caller re-reads the head and
// retries.
var ErrSequenceTaken = errors.New("ledger: sequence already taken")

// Store is the durable backing for the chain. Insert must reject a record
// whose sequence already exists with ErrSequenceTaken; that uniqueness is
// what serializes the append lane.
type Store interface {
	// Head returns the last record's sequence and this_hash. ok is false
	// for an empty ledger.
	Head(ctx context.Context) (seq uint64, hash string, ok bool, err error)
	// Insert appends rec durably. Records are never updated or deleted.
	Insert(ctx context.Context, rec Record) error
	// Range returns records with from <= sequence <= to, ordered by
	// sequence ascending.
	Range(ctx context.Context, from, to uint64) ([]Record, error)
}
