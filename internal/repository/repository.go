package repository

import (
	"context"
	"errors"
	"time"

	"peerfetch/internal/domain"
)

// ErrNoSnapshot is returned by SnapshotRepository.Load when no resume
// snapshot has been saved.
var ErrNoSnapshot = errors.New("no resume snapshot")

// HistoryFilter narrows a history listing. Zero value lists everything.
type HistoryFilter struct {
	Statuses []domain.TaskStatus
	// Search matches case-insensitively against entry name and hash.
	Search string
	Limit  int
}

// HistoryRepository is the append-only archive of terminal outcomes.
// Append is idempotent per (ContentHash, TerminalAt).
type HistoryRepository interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, entry domain.HistoryEntry) error
	List(ctx context.Context, filter HistoryFilter) ([]domain.HistoryEntry, error)
	DeleteByStatuses(ctx context.Context, statuses ...domain.TaskStatus) (int64, error)
}

// SnapshotRepository stores the single crash-resume record: an opaque
// payload plus its save timestamp. Load returns ErrNoSnapshot when empty.
type SnapshotRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, payload []byte, savedAt time.Time) error
	Load(ctx context.Context) (payload []byte, savedAt time.Time, err error)
	Clear(ctx context.Context) error
}

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}
