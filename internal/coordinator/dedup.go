package coordinator

import (
	"sync"

	"redaction-pipeline/internal/models"
)

type pendingPublish struct {
	subject string
	event   models.LifecycleEvent
}

type cacheEntry struct {
	outcome Outcome
	pending *pendingPublish
}

// dedupCache remembers the outcome of recently handled message IDs so a
// redelivered event is a no-op. Bounded FIFO: once max entries are held,
// the oldest is evicted. An evicted duplicate falls through to transition
// validation, which still rejects it safely.
type dedupCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*cacheEntry
	order   []string
}

func newDedupCache(max int) *dedupCache {
	if max <= 0 {
		max = 4096
	}
	return &dedupCache{
		max:     max,
		entries: make(map[string]*cacheEntry, max),
	}
}

func (d *dedupCache) get(id string) (Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return Outcome{}, false
	}
	return e.outcome, true
}

func (d *dedupCache) put(id string, out Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; ok {
		d.entries[id].outcome = out
		return
	}
	for len(d.entries) >= d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
	d.entries[id] = &cacheEntry{outcome: out}
	d.order = append(d.order, id)
}

func (d *dedupCache) setPending(id string, p pendingPublish) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		e.pending = &p
	}
}

// takePending removes and returns the unpublished derived event for id,
// if any. The caller republishes; on failure it calls setPending again.
func (d *dedupCache) takePending(id string) (pendingPublish, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || e.pending == nil {
		return pendingPublish{}, false
	}
	p := *e.pending
	e.pending = nil
	return p, true
}

func (d *dedupCache) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
