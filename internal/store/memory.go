package store

import (
	"context"
	"sync"
	"time"

	"redaction-pipeline/internal/models"
)

// Memory is a mutex-guarded in-process JobStore for tests and dev mode.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) Get(ctx context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) Create(ctx context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) CompareAndSetStatus(ctx context.Context, id, expected, next string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != expected {
		return ErrStatusConflict
	}
	job.Status = next
	job.UpdatedAt = at
	m.jobs[id] = job
	return nil
}
