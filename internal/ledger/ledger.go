// Package ledger implements the append-only, hash-chained audit ledger.
// Every accepted job transition (and any external action routed through
// the audit endpoint) becomes one record; recomputing the chain detects
// any after-the-fact modification of a stored record.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"redaction-pipeline/internal/telemetry"
)

// GenesisHash is the prev_hash of the first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrAppendContention is returned when the append race is lost more times
// than the retry budget allows. It is transient: the caller may retry or
// let bus redelivery do so.
var ErrAppendContention = errors.New("ledger: append contention, retries exhausted")

// Ledger chains records through a Store. Appends are serialized by the
// store's sequence uniqueness; concurrent appenders that read a stale head
// fail Insert and retry against the fresh one.
type Ledger struct {
	store   Store
	retries int
	log     *zap.Logger
	now     func() time.Time
}

// New builds a ledger over store. retries bounds how often a lost append
// race is retried before giving up.
func New(store Store, retries int, log *zap.Logger) *Ledger {
	if retries <= 0 {
		retries = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, retries: retries, log: log, now: time.Now}
}

// Append canonicalizes payload, chains it onto the current head and
// durably inserts the next record. Safe for concurrent use.
func (l *Ledger) Append(ctx context.Context, actor, action, objectRef string, payload any) (Record, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return Record{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	digest := sha256Hex(canon)

	for attempt := 0; attempt < l.retries; attempt++ {
		seq, prevHash, ok, err := l.store.Head(ctx)
		if err != nil {
			return Record{}, fmt.Errorf("read ledger head: %w", err)
		}
		if !ok {
			seq, prevHash = 0, GenesisHash
		}
		rec := Record{
			Sequence:      seq + 1,
			Actor:         actor,
			Action:        action,
			ObjectRef:     objectRef,
			PayloadDigest: digest,
			PrevHash:      prevHash,
			ThisHash:      ChainHash(prevHash, digest),
			CreatedAt:     l.now().UTC(),
		}
		err = l.store.Insert(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrSequenceTaken) {
			return Record{}, fmt.Errorf("insert record: %w", err)
		}
		telemetry.LedgerAppendConflicts.Inc()
		l.log.Debug("ledger append race lost, retrying",
			zap.Uint64("sequence", rec.Sequence),
			zap.Int("attempt", attempt+1))
	}
	return Record{}, ErrAppendContention
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	FirstInvalid uint64 `json:"first_invalid,omitempty"`
	Checked      int    `json:"checked"`
}

// Verify recomputes the chain over [from, to] and reports the first
// sequence where stored and recomputed hashes diverge. from <= 1 anchors
// at genesis; to = 0 means the current head. A mismatch is never
// auto-corrected, only reported.
func (l *Ledger) Verify(ctx context.Context, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, _, ok, err := l.store.Head(ctx)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("read ledger head: %w", err)
		}
		if !ok {
			return VerifyResult{Valid: true}, nil
		}
		to = head
	}

	prev := GenesisHash
	if from > 1 {
		anchor, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("read anchor record: %w", err)
		}
		if len(anchor) != 1 {
			return VerifyResult{Valid: false, FirstInvalid: from - 1}, nil
		}
		prev = anchor[0].ThisHash
	}

	recs, err := l.store.Range(ctx, from, to)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("read records: %w", err)
	}

	want := from
	for i, rec := range recs {
		if rec.Sequence != want || rec.PrevHash != prev || rec.ThisHash != ChainHash(rec.PrevHash, rec.PayloadDigest) {
			telemetry.ChainVerifyFailures.Inc()
			l.log.Error("audit chain divergence",
				zap.Uint64("sequence", rec.Sequence),
				zap.Uint64("expected_sequence", want))
			return VerifyResult{Valid: false, FirstInvalid: rec.Sequence, Checked: i}, nil
		}
		prev = rec.ThisHash
		want++
	}
	if want <= to {
		// Gap at the tail of the requested range.
		telemetry.ChainVerifyFailures.Inc()
		return VerifyResult{Valid: false, FirstInvalid: want, Checked: len(recs)}, nil
	}
	return VerifyResult{Valid: true, Checked: len(recs)}, nil
}

// ChainHash computes this_hash from the hex-encoded prev_hash and
// payload_digest, hashing the concatenated hex strings.
func ChainHash(prevHash, payloadDigest string) string {
	return sha256Hex([]byte(prevHash + payloadDigest))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
