package engine

import (
	"time"

	"peerfetch/internal/domain"
	"peerfetch/internal/transport"
)

// chunkSpeedWindow is how long after the first chunk the aggregator
// waits before trusting a chunk-rate speed estimate. A single chunk
// over a few milliseconds produces absurd numbers otherwise.
const chunkSpeedWindow = 500 * time.Millisecond

// meter accumulates the raw counters behind one task's derived
// (percent, speed, eta) triple. One meter per active transfer.
type meter struct {
	createdAt time.Time

	// byte model
	lastSample time.Time
	lastBytes  int64

	// chunk model
	firstChunkAt time.Time
	chunksSince  int
	chunkSize    int64

	speed int64
}

func newMeter(now time.Time) *meter {
	return &meter{createdAt: now}
}

// sampleBytes folds a cumulative byte counter into the meter and
// returns the current speed estimate.
func (m *meter) sampleBytes(now time.Time, received int64) int64 {
	if !m.lastSample.IsZero() {
		elapsed := now.Sub(m.lastSample).Seconds()
		if elapsed > 0 && received >= m.lastBytes {
			m.speed = int64(float64(received-m.lastBytes) / elapsed)
		}
	}
	m.lastSample = now
	m.lastBytes = received
	return m.speed
}

// sampleChunk records one newly received chunk. Speed recomputes only
// once the measurement window since the first chunk has elapsed.
func (m *meter) sampleChunk(now time.Time, chunkSize int64) int64 {
	if m.firstChunkAt.IsZero() {
		m.firstChunkAt = now
	}
	m.chunksSince++
	m.chunkSize = chunkSize
	if elapsed := now.Sub(m.firstChunkAt); elapsed >= chunkSpeedWindow {
		m.speed = int64(float64(m.chunksSince) * float64(chunkSize) / elapsed.Seconds())
	}
	return m.speed
}

// applyEvent is the single entry point for transport events. Events for
// tasks that are no longer Downloading are dropped: a late progress
// report or a duplicate terminal event must not disturb settled state.
func (e *Engine) applyEvent(ev transport.Event) {
	t, ok := e.tasks[ev.TaskID()]
	if !ok || t.Status != domain.TaskStatusDownloading {
		return
	}

	switch ev := ev.(type) {
	case transport.ByteProgress:
		e.applyBytes(t, ev)
	case transport.ChunkProgress:
		e.applyChunk(t, ev)
	case transport.MultiSourceProgress:
		e.applyMultiSource(t, ev)
	case transport.PeerUpdate:
		e.applyPeerUpdate(t, ev)
	case transport.Done:
		e.finishTransfer(t)
	case transport.Failed:
		e.failTask(t, ev.Reason)
	}
}

func (e *Engine) applyBytes(t *domain.Task, ev transport.ByteProgress) {
	m := e.meterFor(t.ID)
	now := e.cfg.Now()
	t.DownloadedBytes = ev.ReceivedBytes
	t.SpeedBytesPerSec = m.sampleBytes(now, ev.ReceivedBytes)
	if t.Size > 0 {
		t.ProgressPercent = clampPercent(float64(ev.ReceivedBytes) / float64(t.Size) * 100)
	}
	t.ETASeconds = etaSeconds(t.Size-ev.ReceivedBytes, t.SpeedBytesPerSec)
	t.UpdatedAt = now.UTC()
}

func (e *Engine) applyChunk(t *domain.Task, ev transport.ChunkProgress) {
	total := t.ChunkCount()
	if total == 0 {
		total = ev.TotalChunks
	}
	if total == 0 || ev.Index < 0 || ev.Index >= total {
		return
	}
	if _, dup := t.DownloadedChunks[ev.Index]; dup {
		// Re-delivered chunk: no progress change, no speed credit.
		return
	}
	t.DownloadedChunks[ev.Index] = struct{}{}

	m := e.meterFor(t.ID)
	now := e.cfg.Now()
	got := len(t.DownloadedChunks)
	t.SpeedBytesPerSec = m.sampleChunk(now, ev.ChunkSize)
	t.ProgressPercent = clampPercent(float64(got) / float64(total) * 100)
	t.DownloadedBytes = int64(got) * ev.ChunkSize
	t.ETASeconds = etaSeconds(int64(total-got)*ev.ChunkSize, t.SpeedBytesPerSec)
	t.UpdatedAt = now.UTC()
}

func (e *Engine) applyMultiSource(t *domain.Task, ev transport.MultiSourceProgress) {
	t.DownloadedBytes = ev.DownloadedBytes
	t.SpeedBytesPerSec = ev.SpeedBps
	t.ETASeconds = ev.ETASeconds
	if ev.TotalChunks > 0 {
		t.ProgressPercent = clampPercent(float64(ev.CompletedChunks) / float64(ev.TotalChunks) * 100)
	} else if t.Size > 0 {
		t.ProgressPercent = clampPercent(float64(ev.DownloadedBytes) / float64(t.Size) * 100)
	}
	t.UpdatedAt = e.cfg.Now().UTC()
}

func (e *Engine) applyPeerUpdate(t *domain.Task, ev transport.PeerUpdate) {
	if t.PeerStates == nil {
		t.PeerStates = make(map[string]domain.PeerState)
	}
	switch ev.State {
	case "completed":
		t.PeerStates[ev.Peer] = domain.PeerStateCompleted
	case "failed":
		t.PeerStates[ev.Peer] = domain.PeerStateFailed
	default:
		t.PeerStates[ev.Peer] = domain.PeerStateDownloading
	}
}

func (e *Engine) meterFor(id string) *meter {
	m, ok := e.meters[id]
	if !ok {
		m = newMeter(e.cfg.Now())
		e.meters[id] = m
	}
	return m
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// etaSeconds estimates remaining time, or -1 when the speed gives no
// usable signal.
func etaSeconds(remaining, speed int64) int64 {
	if speed <= 0 {
		return -1
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining / speed
}
