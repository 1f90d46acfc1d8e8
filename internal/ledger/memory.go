package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain in process memory. Used by tests and the
// single-process dev mode.
type MemoryStore struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Head(ctx context.Context) (uint64, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		return 0, "", false, nil
	}
	last := m.recs[len(m.recs)-1]
	return last.Sequence, last.ThisHash, true, nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(len(m.recs))+1 != rec.Sequence {
		return ErrSequenceTaken
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *MemoryStore) Range(ctx context.Context, from, to uint64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0)
	for _, r := range m.recs {
		if r.Sequence >= from && r.Sequence <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

// Tamper overwrites a stored field of the record at seq. Test hook for
// exercising chain verification; never called by production code.
func (m *MemoryStore) Tamper(seq uint64, mutate func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].Sequence == seq {
			mutate(&m.recs[i])
			return true
		}
	}
	return false
}
