package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the chain in the audit_records table. The
// sequence primary key is the serialization point: two appenders chaining
// off the same head collide on insert and one of them retries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Head(ctx context.Context) (uint64, string, bool, error) {
	var seq uint64
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT sequence, this_hash FROM audit_records ORDER BY sequence DESC LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("query head: %w", err)
	}
	return seq, hash, true, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (sequence, actor, action, object_ref, payload_digest, prev_hash, this_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.Sequence, rec.Actor, rec.Action, rec.ObjectRef, rec.PayloadDigest, rec.PrevHash, rec.ThisHash, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSequenceTaken
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, actor, action, object_ref, payload_digest, prev_hash, this_hash, created_at
		FROM audit_records WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Sequence, &rec.Actor, &rec.Action, &rec.ObjectRef,
			&rec.PayloadDigest, &rec.PrevHash, &rec.ThisHash, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
