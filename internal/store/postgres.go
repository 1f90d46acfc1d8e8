package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"redaction-pipeline/internal/models"
)

// Postgres implements JobStore over pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool so the ledger store can share it.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, kind, status, created_at, updated_at FROM jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.OrgID, &job.Kind, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *Postgres) Create(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, org_id, kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, job.OrgID, job.Kind, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) CompareAndSetStatus(ctx context.Context, id, expected, next string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, expected, next, at)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from a lost status race.
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}
