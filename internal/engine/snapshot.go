package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"peerfetch/internal/domain"
	"peerfetch/internal/repository"
)

// snapshotRecord is the crash-resume payload: every Downloading or
// Paused task (restored as Paused) plus the queue, with a save
// timestamp. The repository stores it as an opaque blob.
type snapshotRecord struct {
	SavedAt time.Time    `json:"saved_at"`
	Active  []taskRecord `json:"active"`
	Queued  []taskRecord `json:"queued"`
}

type taskRecord struct {
	ID                 string   `json:"id"`
	ContentHash        string   `json:"content_hash"`
	Name               string   `json:"name"`
	Size               int64    `json:"size"`
	Priority           int      `json:"priority"`
	Protocol           string   `json:"protocol,omitempty"`
	SourceAddresses    []string `json:"source_addresses,omitempty"`
	ContentIdentifiers []string `json:"content_identifiers,omitempty"`
	DownloadedChunks   []int    `json:"downloaded_chunks,omitempty"`
	OutputPath         string   `json:"output_path,omitempty"`
	IsEncrypted        bool     `json:"is_encrypted,omitempty"`
	ManifestRef        string   `json:"manifest_ref,omitempty"`
	ForcedProtocol     string   `json:"forced_protocol,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func toRecord(t *domain.Task) taskRecord {
	rec := taskRecord{
		ID:                 t.ID,
		ContentHash:        t.ContentHash,
		Name:               t.Name,
		Size:               t.Size,
		Priority:           int(t.Priority),
		Protocol:           string(t.Protocol),
		SourceAddresses:    append([]string(nil), t.SourceAddresses...),
		ContentIdentifiers: append([]string(nil), t.ContentIdentifiers...),
		OutputPath:         t.OutputPath,
		IsEncrypted:        t.IsEncrypted,
		ManifestRef:        t.ManifestRef,
		ForcedProtocol:     string(t.ForcedProtocol),
		CreatedAt:          t.CreatedAt,
	}
	for i := range t.DownloadedChunks {
		rec.DownloadedChunks = append(rec.DownloadedChunks, i)
	}
	return rec
}

func fromRecord(rec taskRecord, status domain.TaskStatus, now time.Time) *domain.Task {
	t := &domain.Task{
		ID:                 rec.ID,
		ContentHash:        rec.ContentHash,
		Name:               rec.Name,
		Size:               rec.Size,
		Status:             status,
		Priority:           domain.TaskPriority(rec.Priority),
		Protocol:           domain.Protocol(rec.Protocol),
		ETASeconds:         -1,
		SourceAddresses:    append([]string(nil), rec.SourceAddresses...),
		ContentIdentifiers: append([]string(nil), rec.ContentIdentifiers...),
		DownloadedChunks:   make(map[int]struct{}, len(rec.DownloadedChunks)),
		OutputPath:         rec.OutputPath,
		IsEncrypted:        rec.IsEncrypted,
		ManifestRef:        rec.ManifestRef,
		ForcedProtocol:     domain.Protocol(rec.ForcedProtocol),
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          now,
	}
	for _, i := range rec.DownloadedChunks {
		t.DownloadedChunks[i] = struct{}{}
	}
	if total := len(rec.ContentIdentifiers); total > 0 {
		t.ProgressPercent = clampPercent(float64(len(rec.DownloadedChunks)) / float64(total) * 100)
	}
	return t
}

// persistSnapshot mirrors active and queued tasks to durable storage.
// Runs inside the event loop after every mutation; errors are logged
// and swallowed so persistence problems never break orchestration.
func (e *Engine) persistSnapshot() {
	if e.snapshots == nil {
		return
	}
	now := e.cfg.Now().UTC()
	rec := snapshotRecord{SavedAt: now}
	for _, t := range e.tasks {
		switch t.Status {
		case domain.TaskStatusDownloading, domain.TaskStatusPaused:
			rec.Active = append(rec.Active, toRecord(t))
		}
	}
	for _, id := range e.queue {
		if t, ok := e.tasks[id]; ok && t.Status == domain.TaskStatusQueued {
			rec.Queued = append(rec.Queued, toRecord(t))
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		e.log.Warnf("serialize resume snapshot: %v", err)
		return
	}
	if err := e.snapshots.Save(e.ctx, payload, now); err != nil {
		e.log.Warnf("save resume snapshot: %v", err)
	}
}

// RestoreFromSnapshot repopulates the store from the last saved
// snapshot. It runs at most once per process: snapshots older than the
// staleness window are discarded, previously active tasks come back as
// Paused (never Downloading), and records are deduplicated against
// already-known tasks by id, then content hash, then name+size. The
// snapshot is cleared after consumption.
func (e *Engine) RestoreFromSnapshot(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	return e.do(func() {
		if e.restored {
			return
		}
		e.restored = true

		payload, savedAt, err := e.snapshots.Load(ctx)
		if err != nil {
			if !errors.Is(err, repository.ErrNoSnapshot) {
				e.log.Warnf("load resume snapshot: %v", err)
				e.clearSnapshot(ctx)
			}
			return
		}

		if age := e.cfg.Now().Sub(savedAt); age > e.cfg.SnapshotMaxAge {
			e.log.Infof("resume snapshot is %s old, discarding", age.Round(time.Minute))
			e.clearSnapshot(ctx)
			return
		}

		var rec snapshotRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			e.log.Warnf("corrupt resume snapshot, discarding: %v", err)
			e.clearSnapshot(ctx)
			return
		}

		now := e.cfg.Now().UTC()
		restored := 0
		for _, tr := range rec.Active {
			if e.knownTask(tr) {
				continue
			}
			t := fromRecord(tr, domain.TaskStatusPaused, now)
			e.tasks[t.ID] = t
			restored++
		}
		for _, tr := range rec.Queued {
			if e.knownTask(tr) {
				continue
			}
			t := fromRecord(tr, domain.TaskStatusQueued, now)
			e.tasks[t.ID] = t
			e.queue = append(e.queue, t.ID)
			restored++
		}
		e.clearSnapshot(ctx)
		if restored > 0 {
			e.log.Infof("restored %d tasks from resume snapshot", restored)
		}
		e.maybePromote()
	})
}

// knownTask checks a snapshot record against tasks already in the store
// using a prioritized key list: id, then content hash, then name+size.
// The weaker keys are deliberate tolerance for legacy snapshots that
// predate stable ids.
func (e *Engine) knownTask(rec taskRecord) bool {
	for _, t := range e.tasks {
		if rec.ID != "" && t.ID == rec.ID {
			return true
		}
		if rec.ContentHash != "" && t.ContentHash == rec.ContentHash {
			return true
		}
		if t.Name == rec.Name && t.Size == rec.Size {
			return true
		}
	}
	return false
}

func (e *Engine) clearSnapshot(ctx context.Context) {
	if err := e.snapshots.Clear(ctx); err != nil {
		e.log.Warnf("clear resume snapshot: %v", err)
	}
}
