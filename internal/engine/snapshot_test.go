package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerfetch/internal/domain"
	"peerfetch/internal/engine"
	"peerfetch/internal/transport"
)

// newSnapEnv builds an engine around a shared clock and snapshot store,
// simulating one process lifetime in a crash/restart sequence.
func newSnapEnv(t *testing.T, clock *testClock, snaps *memSnapshots, mutate func(*engine.Config, *engine.Collaborators)) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   clock,
		stream:  newCaptureFetcher(),
		chunks:  newCaptureFetcher(),
		multi:   newCaptureFetcher(),
		settler: &countingSettler{},
		history: newMemHistory(),
		snaps:   snaps,
	}
	cfg := engine.Config{
		MaxConcurrent:        1,
		AutoStart:            true,
		MultiSourceThreshold: 1_000_000,
		SnapshotMaxAge:       24 * time.Hour,
		StagingDir:           t.TempDir(),
		Logger:               quietLogger(),
		Now:                  clock.Now,
	}
	col := engine.Collaborators{
		Chunks:  env.chunks,
		Multi:   multiAdapter{env.multi},
		Stream:  env.stream,
		Settler: env.settler,
	}
	if mutate != nil {
		mutate(&cfg, &col)
	}
	env.eng = engine.New(cfg, col, env.history, snaps)
	require.NoError(t, env.eng.Start(context.Background()))
	t.Cleanup(env.eng.Shutdown)
	return env
}

func TestRestoreBringsActiveBackPaused(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	active, err := first.eng.Create(streamDescriptor("h1", "/dl/h1"))
	require.NoError(t, err)
	queued, err := first.eng.Create(streamDescriptor("h2", "/dl/h2"))
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusDownloading, mustGet(t, first, active.ID).Status)
	require.Equal(t, domain.TaskStatusQueued, mustGet(t, first, queued.ID).Status)
	first.eng.Shutdown()

	clock.Advance(time.Hour)

	second := newSnapEnv(t, clock, snaps, nil)
	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))

	// The interrupted transfer never comes back hot.
	got := mustGet(t, second, active.ID)
	assert.Equal(t, domain.TaskStatusPaused, got.Status)
	assert.Equal(t, "h1", got.ContentHash)
	assert.Equal(t, domain.ProtocolStream, got.Protocol)

	// The queued task re-enters the queue and gets promoted normally.
	assert.Equal(t, domain.TaskStatusDownloading, mustGet(t, second, queued.ID).Status)
	assert.Len(t, second.eng.List(), 2)
}

func TestRestoreDiscardsStaleSnapshot(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	_, err := first.eng.Create(streamDescriptor("h1", "/dl/h1"))
	require.NoError(t, err)
	first.eng.Shutdown()

	clock.Advance(25 * time.Hour)

	second := newSnapEnv(t, clock, snaps, nil)
	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))

	assert.Empty(t, second.eng.List())
	_, _, has := snaps.snapshot()
	assert.False(t, has, "stale snapshot should be cleared")
}

func TestRestoreJustInsideStalenessWindow(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	_, err := first.eng.Create(streamDescriptor("h1", "/dl/h1"))
	require.NoError(t, err)
	first.eng.Shutdown()

	clock.Advance(23 * time.Hour)

	second := newSnapEnv(t, clock, snaps, nil)
	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))
	assert.Len(t, second.eng.List(), 1)
}

func TestRestoreRunsOnlyOnce(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	_, err := first.eng.Create(streamDescriptor("h1", "/dl/h1"))
	require.NoError(t, err)
	first.eng.Shutdown()

	second := newSnapEnv(t, clock, snaps, nil)
	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))
	require.Len(t, second.eng.List(), 1)

	// Restoring again must not re-ingest, even though the engine has
	// since persisted a fresh snapshot of its own state.
	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))
	assert.Len(t, second.eng.List(), 1)
}

func TestRestoreDeduplicatesAgainstKnownTasks(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	_, err := first.eng.Create(streamDescriptor("h1", "/dl/h1"))
	require.NoError(t, err)
	_, err = first.eng.Create(streamDescriptor("h2", "/dl/h2"))
	require.NoError(t, err)
	first.eng.Shutdown()

	second := newSnapEnv(t, clock, snaps, nil)
	// Same content hash already tracked before the restore runs.
	_, err = second.eng.Create(streamDescriptor("h1", "/dl/elsewhere"))
	require.NoError(t, err)

	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))

	tasks := second.eng.List()
	require.Len(t, tasks, 2)
	hashes := map[string]int{}
	for _, task := range tasks {
		hashes[task.ContentHash]++
	}
	assert.Equal(t, 1, hashes["h1"], "duplicate content hash must not be restored twice")
	assert.Equal(t, 1, hashes["h2"])
}

func TestRestoreDeduplicatesByNameAndSize(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	_, err := first.eng.Create(streamDescriptor("h1", "/dl/h1"))
	require.NoError(t, err)
	first.eng.Shutdown()

	second := newSnapEnv(t, clock, snaps, nil)
	// Different hash, but the legacy name+size key matches.
	desc := streamDescriptor("other", "/dl/other")
	desc.Name = "h1.bin"
	_, err = second.eng.Create(desc)
	require.NoError(t, err)

	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))
	assert.Len(t, second.eng.List(), 1)
}

func TestRestoreKeepsChunkProgress(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}

	first := newSnapEnv(t, clock, snaps, nil)
	task, err := first.eng.Create(domain.Descriptor{
		ContentHash:        "qmchunked",
		Name:               "big.dat",
		Size:               4_000,
		OutputPath:         "/dl/big.dat",
		SourceAddresses:    []string{"peer-1"},
		ContentIdentifiers: []string{"c0", "c1", "c2", "c3"},
	})
	require.NoError(t, err)
	first.deliver(transport.ChunkProgress{Task: task.ID, Index: 0, TotalChunks: 4, ChunkSize: 1_000})
	first.deliver(transport.ChunkProgress{Task: task.ID, Index: 2, TotalChunks: 4, ChunkSize: 1_000})
	// Pausing persists the chunk state along with the status change.
	require.NoError(t, first.eng.Pause(task.ID))
	first.eng.Shutdown()

	second := newSnapEnv(t, clock, snaps, nil)
	require.NoError(t, second.eng.RestoreFromSnapshot(context.Background()))

	got := mustGet(t, second, task.ID)
	assert.Equal(t, domain.TaskStatusPaused, got.Status)
	assert.Len(t, got.DownloadedChunks, 2)
	assert.Contains(t, got.DownloadedChunks, 0)
	assert.Contains(t, got.DownloadedChunks, 2)
	assert.InDelta(t, 50.0, got.ProgressPercent, 0.01)
}

func TestRestoreClearsCorruptSnapshot(t *testing.T) {
	clock := newTestClock()
	snaps := &memSnapshots{}
	require.NoError(t, snaps.Save(context.Background(), []byte("{not json"), clock.Now()))

	env := newSnapEnv(t, clock, snaps, nil)
	require.NoError(t, env.eng.RestoreFromSnapshot(context.Background()))

	assert.Empty(t, env.eng.List())
	_, _, has := snaps.snapshot()
	assert.False(t, has)
}
