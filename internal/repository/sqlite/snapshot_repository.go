package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerfetch/internal/repository"
)

const createSnapshotTable = `
CREATE TABLE IF NOT EXISTS resume_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload BLOB NOT NULL,
	saved_at DATETIME NOT NULL
);
`

// SnapshotRepository stores the single crash-resume record. The payload
// is opaque to this layer.
type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(db *sql.DB) repository.SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSnapshotTable); err != nil {
		return fmt.Errorf("create resume snapshot table: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) Save(ctx context.Context, payload []byte, savedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO resume_snapshot (id, payload, saved_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		payload, savedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save resume snapshot: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) Load(ctx context.Context) ([]byte, time.Time, error) {
	var (
		payload []byte
		savedAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `SELECT payload, saved_at FROM resume_snapshot WHERE id = 1`).
		Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, repository.ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load resume snapshot: %w", err)
	}
	return payload, savedAt, nil
}

func (r *SnapshotRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM resume_snapshot WHERE id = 1`); err != nil {
		return fmt.Errorf("clear resume snapshot: %w", err)
	}
	return nil
}
