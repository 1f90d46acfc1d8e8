// Package store defines the job store port the coordinator depends on,
// plus the Postgres and in-memory adapters.
package store

import (
	"context"
	"errors"
	"time"

	"redaction-pipeline/internal/models"
)

var (
	// ErrNotFound reports a job id with no matching record.
	ErrNotFound = errors.New("store: job not found")
	// ErrAlreadyExists reports a create for an id that is already present.
	ErrAlreadyExists = errors.New("store: job already exists")
	// ErrStatusConflict reports a compare-and-set whose expected status no
	// longer matches; a concurrent handler advanced the job first.
	ErrStatusConflict = errors.New("store: status conflict")
)

// JobStore is the port the coordinator writes job status through. The
// coordinator is the sole writer; everything else reads.
type JobStore interface {
	Get(ctx context.Context, id string) (models.Job, error)
	Create(ctx context.Context, job models.Job) error
	// CompareAndSetStatus updates status and updated_at only if the
	// current status equals expected. This is the per-job mutual
	// exclusion that keeps concurrent handlers from both applying a
	// transition off the same observed state.
	CompareAndSetStatus(ctx context.Context, id, expected, next string, at time.Time) error
}
