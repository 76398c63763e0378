package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"peerfetch/internal/domain"
	"peerfetch/internal/repository"
)

// ErrUnknownStatusClass is returned by ClearByClass for an unrecognized class.
var ErrUnknownStatusClass = errors.New("unknown history status class")

// HistoryService exposes the history ledger: filtered listing, free-text
// search, bulk clearing, and snapshot export/import with additive merge.
type HistoryService interface {
	List(ctx context.Context, filter repository.HistoryFilter) ([]domain.HistoryEntry, error)
	ClearByClass(ctx context.Context, class string) (int64, error)
	Export(ctx context.Context, w io.Writer) error
	Import(ctx context.Context, r io.Reader) (added, skipped int, err error)
}

type historyService struct {
	history repository.HistoryRepository
}

func NewHistoryService(history repository.HistoryRepository) HistoryService {
	return &historyService{history: history}
}

func (s *historyService) List(ctx context.Context, filter repository.HistoryFilter) ([]domain.HistoryEntry, error) {
	return s.history.List(ctx, filter)
}

func (s *historyService) ClearByClass(ctx context.Context, class string) (int64, error) {
	var statuses []domain.TaskStatus
	switch class {
	case "completed":
		statuses = []domain.TaskStatus{domain.TaskStatusCompleted}
	case "failed":
		statuses = []domain.TaskStatus{domain.TaskStatusFailed}
	case "canceled":
		statuses = []domain.TaskStatus{domain.TaskStatusCanceled}
	case "all":
		statuses = []domain.TaskStatus{
			domain.TaskStatusCompleted,
			domain.TaskStatusFailed,
			domain.TaskStatusCanceled,
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatusClass, class)
	}
	return s.history.DeleteByStatuses(ctx, statuses...)
}

// historySnapshot is the export/import wire format.
type historySnapshot struct {
	Version    int                   `json:"version"`
	ExportedAt time.Time             `json:"exported_at"`
	Entries    []domain.HistoryEntry `json:"entries"`
}

func (s *historyService) Export(ctx context.Context, w io.Writer) error {
	entries, err := s.history.List(ctx, repository.HistoryFilter{})
	if err != nil {
		return err
	}
	snap := historySnapshot{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Entries:    entries,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode history export: %w", err)
	}
	return nil
}

// Import merges an exported snapshot into the ledger. Entries colliding
// on (content hash, terminal timestamp) are skipped, never overwritten.
func (s *historyService) Import(ctx context.Context, r io.Reader) (int, int, error) {
	var snap historySnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, 0, fmt.Errorf("decode history import: %w", err)
	}

	existing, err := s.history.List(ctx, repository.HistoryFilter{})
	if err != nil {
		return 0, 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		seen[historyKey(entry)] = struct{}{}
	}

	added, skipped := 0, 0
	for _, entry := range snap.Entries {
		key := historyKey(entry)
		if _, dup := seen[key]; dup {
			skipped++
			continue
		}
		if err := s.history.Append(ctx, entry); err != nil {
			return added, skipped, err
		}
		seen[key] = struct{}{}
		added++
	}
	return added, skipped, nil
}

func historyKey(entry domain.HistoryEntry) string {
	return entry.ContentHash + "|" + entry.TerminalAt.UTC().Format(time.RFC3339Nano)
}
