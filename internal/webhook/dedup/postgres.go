package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/converthub/converthub-go/client"
)

// PostgresStore implements Store on PostgreSQL. INSERT ... ON CONFLICT DO
// NOTHING gives the atomic check-and-mark.
//
// Expected schema:
//
//	CREATE TABLE webhook_terminal_events (
//	    job_id      TEXT PRIMARY KEY,
//	    status      TEXT NOT NULL,
//	    received_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing database handle. The handle stays
// owned by the caller; Close here is a no-op.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, jobID string, status client.JobStatus) (client.JobStatus, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_terminal_events (job_id, status, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, string(status), time.Now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("dedup insert: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("dedup insert result: %w", err)
	}
	if rows == 1 {
		return status, true, nil
	}

	var existing string
	err = s.db.GetContext(ctx, &existing, `
		SELECT status FROM webhook_terminal_events WHERE job_id = $1
	`, jobID)
	if err != nil {
		return "", false, fmt.Errorf("dedup select: %w", err)
	}
	return client.JobStatus(existing), false, nil
}

func (s *PostgresStore) Forget(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_terminal_events WHERE job_id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("dedup delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return nil
}
