package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"peerfetch/internal/domain"
	"peerfetch/internal/repository"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS history (
	content_hash TEXT NOT NULL,
	terminal_at DATETIME NOT NULL,
	status TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	protocol TEXT NOT NULL DEFAULT '',
	progress REAL NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (content_hash, terminal_at)
);
`

// HistoryRepository persists terminal outcomes. The composite primary
// key plus INSERT OR IGNORE gives idempotent appends: replaying the
// same terminal transition, or importing a colliding entry, is a no-op.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Append(ctx context.Context, entry domain.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO history (content_hash, terminal_at, status, name, size, protocol, progress, output_path, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ContentHash,
		entry.TerminalAt.UTC(),
		string(entry.Status),
		entry.Name,
		entry.Size,
		string(entry.Protocol),
		entry.Progress,
		entry.OutputPath,
		entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (r *HistoryRepository) List(ctx context.Context, filter repository.HistoryFilter) ([]domain.HistoryEntry, error) {
	query := strings.Builder{}
	query.WriteString(`
SELECT content_hash, terminal_at, status, name, size, protocol, progress, output_path, reason
FROM history`)

	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.Search != "" {
		needle := "%" + strings.ToLower(filter.Search) + "%"
		clauses = append(clauses, "(LOWER(name) LIKE ? OR LOWER(content_hash) LIKE ?)")
		args = append(args, needle, needle)
	}
	if len(clauses) > 0 {
		query.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	query.WriteString(" ORDER BY terminal_at DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var (
			entry    domain.HistoryEntry
			status   string
			protocol string
		)
		if err := rows.Scan(
			&entry.ContentHash,
			&entry.TerminalAt,
			&status,
			&entry.Name,
			&entry.Size,
			&protocol,
			&entry.Progress,
			&entry.OutputPath,
			&entry.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.Status = domain.TaskStatus(status)
		entry.Protocol = domain.Protocol(protocol)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func (r *HistoryRepository) DeleteByStatuses(ctx context.Context, statuses ...domain.TaskStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM history WHERE status IN (%s)", strings.Join(placeholders, ", ")),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete history entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted history entries: %w", err)
	}
	return n, nil
}
