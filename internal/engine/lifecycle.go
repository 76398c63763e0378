package engine

import (
	"fmt"
	"path/filepath"

	"peerfetch/internal/domain"
	"peerfetch/internal/transport"
)

// finishTransfer handles a transport Done event. Encrypted content gets
// its decryption pass before the task is marked Completed; everything
// else completes right away.
func (e *Engine) finishTransfer(t *domain.Task) {
	delete(e.handles, t.ID)

	if !t.IsEncrypted {
		e.complete(t)
		return
	}
	if e.col.Decrypt == nil {
		e.failTask(t, "configuration: encrypted content but no decryptor configured")
		return
	}

	id := t.ID
	manifest := t.ManifestRef
	staging := filepath.Join(e.cfg.StagingDir, t.ID)
	out := t.OutputPath
	ctx := e.ctx
	e.log.WithField("task_id", id).Info("transfer finished, decrypting")
	go func() {
		if err := e.col.Decrypt.Decrypt(ctx, manifest, staging, out); err != nil {
			e.post(func() {
				if tt, ok := e.tasks[id]; ok && tt.Status == domain.TaskStatusDownloading {
					e.failTask(tt, fmt.Sprintf("decrypt: %v", err))
				}
			})
			return
		}
		e.post(func() {
			if tt, ok := e.tasks[id]; ok && tt.Status == domain.TaskStatusDownloading {
				e.complete(tt)
			}
		})
	}()
}

// complete transitions a Downloading task to Completed, records history,
// triggers settlement, and frees the concurrency slot. Re-observing the
// same terminal transition is a no-op.
func (e *Engine) complete(t *domain.Task) {
	if t.Status != domain.TaskStatusDownloading {
		return
	}
	e.setStatus(t, domain.TaskStatusCompleted)
	at := e.cfg.Now().UTC()
	t.CompletedAt = &at
	t.ProgressPercent = 100
	t.SpeedBytesPerSec = 0
	t.ETASeconds = 0
	if t.Size > 0 {
		t.DownloadedBytes = t.Size
	}
	e.releaseHandle(t.ID)
	e.cleanupTransfer(t.ID)

	e.log.WithField("task_id", t.ID).Infof("download completed: %s", t.Name)
	e.recordTerminal(t, "")
	e.maybeSettle(t)
	e.maybeArchive(t)
	e.persistSnapshot()
	e.maybePromote()
}

// failTask transitions a task to Failed, preserving whatever progress it
// made for diagnostics.
func (e *Engine) failTask(t *domain.Task, reason string) {
	if t.Status.Terminal() {
		return
	}
	e.dequeue(t.ID)
	e.setStatus(t, domain.TaskStatusFailed)
	t.ErrorMessage = reason
	t.SpeedBytesPerSec = 0
	t.ETASeconds = -1
	e.releaseHandle(t.ID)
	e.cleanupTransfer(t.ID)

	e.log.WithField("task_id", t.ID).Errorf("download failed: %s", reason)
	e.recordTerminal(t, reason)
	e.persistSnapshot()
	e.maybePromote()
}

// recordTerminal appends a history entry for a terminal transition. The
// repository keys on (content hash, terminal timestamp), so replays of
// the same transition never duplicate. Persistence errors are logged
// and swallowed.
func (e *Engine) recordTerminal(t *domain.Task, reason string) {
	if e.history == nil {
		return
	}
	entry := domain.HistoryEntry{
		ContentHash: t.ContentHash,
		TerminalAt:  t.UpdatedAt,
		Status:      t.Status,
		Name:        t.Name,
		Size:        t.Size,
		Protocol:    t.Protocol,
		Progress:    t.ProgressPercent,
		OutputPath:  t.OutputPath,
		Reason:      reason,
	}
	if err := e.history.Append(e.ctx, entry); err != nil {
		e.log.WithField("task_id", t.ID).Warnf("record history: %v", err)
	}
}

// maybeArchive uploads the completed file to remote storage when an
// archiver is configured. Failures are warnings, like settlement.
func (e *Engine) maybeArchive(t *domain.Task) {
	if e.archiver == nil || t.OutputPath == "" {
		return
	}
	id := t.ID
	path := t.OutputPath
	key := fmt.Sprintf("%s/%s", t.ContentHash, t.Name)
	ctx := e.ctx
	go func() {
		location, err := e.archiver.ArchiveFile(ctx, path, key)
		if err != nil {
			e.log.WithField("task_id", id).Warnf("archive upload: %v", err)
			return
		}
		e.post(func() {
			if tt, ok := e.tasks[id]; ok {
				tt.ArchiveLocation = location
			}
		})
	}()
}

var _ transport.Sink = (*Engine)(nil)
