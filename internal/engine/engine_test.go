package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerfetch/internal/domain"
	"peerfetch/internal/engine"
	"peerfetch/internal/repository"
	"peerfetch/internal/transport"
)

// testClock is a mutable clock shared between the test and the engine
// loop.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureFetcher records start calls and hands the sink back to the
// test so it can script transport events.
type captureFetcher struct {
	mu       sync.Mutex
	starts   int
	canceled int
	startErr error
	sinks    map[string]transport.Sink
}

func newCaptureFetcher() *captureFetcher {
	return &captureFetcher{sinks: make(map[string]transport.Sink)}
}

func (f *captureFetcher) Start(ctx context.Context, req transport.Request, sink transport.Sink) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts++
	f.sinks[req.TaskID] = sink
	return transport.HandleFunc(func() {
		f.mu.Lock()
		f.canceled++
		f.mu.Unlock()
	}), nil
}

func (f *captureFetcher) StartMulti(ctx context.Context, req transport.Request, maxPeers int, sink transport.Sink) (transport.Handle, error) {
	return f.Start(ctx, req, sink)
}

func (f *captureFetcher) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *captureFetcher) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

type multiAdapter struct{ f *captureFetcher }

func (m multiAdapter) Start(ctx context.Context, req transport.Request, maxPeers int, sink transport.Sink) (transport.Handle, error) {
	return m.f.StartMulti(ctx, req, maxPeers, sink)
}

// countingSettler records every settlement call.
type countingSettler struct {
	mu    sync.Mutex
	calls []string
}

func (s *countingSettler) Settle(ctx context.Context, contentHash string, amount int64, destination, peerHint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, contentHash)
	return nil
}

func (s *countingSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// memHistory is an in-memory HistoryRepository with the same idempotent
// append semantics as the sqlite implementation.
type memHistory struct {
	mu      sync.Mutex
	entries map[string]domain.HistoryEntry
}

func newMemHistory() *memHistory {
	return &memHistory{entries: make(map[string]domain.HistoryEntry)}
}

func (h *memHistory) Init(ctx context.Context) error { return nil }

func (h *memHistory) Append(ctx context.Context, entry domain.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := entry.ContentHash + "|" + entry.TerminalAt.UTC().Format(time.RFC3339Nano)
	if _, dup := h.entries[key]; dup {
		return nil
	}
	h.entries[key] = entry
	return nil
}

func (h *memHistory) List(ctx context.Context, filter repository.HistoryFilter) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.HistoryEntry
	for _, e := range h.entries {
		out = append(out, e)
	}
	return out, nil
}

func (h *memHistory) DeleteByStatuses(ctx context.Context, statuses ...domain.TaskStatus) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for k, e := range h.entries {
		for _, s := range statuses {
			if e.Status == s {
				delete(h.entries, k)
				n++
				break
			}
		}
	}
	return n, nil
}

func (h *memHistory) countByHash(hash string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.entries {
		if e.ContentHash == hash {
			n++
		}
	}
	return n
}

// memSnapshots is an in-memory SnapshotRepository.
type memSnapshots struct {
	mu      sync.Mutex
	payload []byte
	savedAt time.Time
	has     bool
}

func (s *memSnapshots) Init(ctx context.Context) error { return nil }

func (s *memSnapshots) Save(ctx context.Context, payload []byte, savedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = append([]byte(nil), payload...)
	s.savedAt = savedAt
	s.has = true
	return nil
}

func (s *memSnapshots) Load(ctx context.Context) ([]byte, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return nil, time.Time{}, repository.ErrNoSnapshot
	}
	return append([]byte(nil), s.payload...), s.savedAt, nil
}

func (s *memSnapshots) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.has = false
	s.payload = nil
	return nil
}

func (s *memSnapshots) snapshot() ([]byte, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.payload...), s.savedAt, s.has
}

type testEnv struct {
	eng      *engine.Engine
	clock    *testClock
	stream   *captureFetcher
	chunks   *captureFetcher
	multi    *captureFetcher
	settler  *countingSettler
	history  *memHistory
	snaps    *memSnapshots
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestEnv(t *testing.T, mutate func(*engine.Config, *engine.Collaborators)) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   newTestClock(),
		stream:  newCaptureFetcher(),
		chunks:  newCaptureFetcher(),
		multi:   newCaptureFetcher(),
		settler: &countingSettler{},
		history: newMemHistory(),
		snaps:   &memSnapshots{},
	}
	cfg := engine.Config{
		MaxConcurrent:        2,
		AutoStart:            true,
		MultiSourceThreshold: 1_000_000,
		MaxPeers:             4,
		BytesPerCredit:       1 << 20,
		StagingDir:           t.TempDir(),
		Logger:               quietLogger(),
		Now:                  env.clock.Now,
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
	env.eng = engine.New(cfg, col, env.history, env.snaps)
	require.NoError(t, env.eng.Start(context.Background()))
	t.Cleanup(env.eng.Shutdown)
	return env
}

// sync waits for all previously delivered events to be applied by
// issuing a synchronous command behind them.
func (env *testEnv) sync() {
	env.eng.Settings()
}

func (env *testEnv) deliver(ev transport.Event) {
	env.eng.Deliver(ev)
	env.sync()
}

func streamDescriptor(hash, out string) domain.Descriptor {
	return domain.Descriptor{
		ContentHash:     hash,
		Name:            hash + ".bin",
		Size:            500_000,
		OutputPath:      out,
		SourceAddresses: []string{"peer-1"},
	}
}

func TestCreateRejectsDuplicateActiveTask(t *testing.T) {
	env := newTestEnv(t, nil)

	first, err := env.eng.Create(streamDescriptor("qmhash-a", "/dl/a.bin"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDownloading, mustGet(t, env, first.ID).Status)

	_, err = env.eng.Create(streamDescriptor("qmhash-a", "/dl/a.bin"))
	require.ErrorIs(t, err, engine.ErrDuplicateTask)

	// Same content to a different destination is a new task, not a dup.
	_, err = env.eng.Create(streamDescriptor("qmhash-a", "/dl/other.bin"))
	require.NoError(t, err)

	assert.Len(t, env.eng.List(), 2)
}

func TestConcurrencyCeilingHolds(t *testing.T) {
	env := newTestEnv(t, nil)

	var ids []string
	for _, hash := range []string{"h1", "h2", "h3", "h4", "h5"} {
		task, err := env.eng.Create(streamDescriptor(hash, "/dl/"+hash))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	assert.Equal(t, 2, countStatus(env.eng, domain.TaskStatusDownloading))
	assert.Equal(t, 3, countStatus(env.eng, domain.TaskStatusQueued))

	// Completing one frees the slot for exactly one promotion.
	env.deliver(transport.Done{Task: ids[0]})
	assert.Equal(t, 2, countStatus(env.eng, domain.TaskStatusDownloading))
	assert.Equal(t, 2, countStatus(env.eng, domain.TaskStatusQueued))
	assert.Equal(t, domain.TaskStatusCompleted, mustGet(t, env, ids[0]).Status)
}

func TestLoweringCeilingDoesNotPreempt(t *testing.T) {
	env := newTestEnv(t, nil)

	a, _ := env.eng.Create(streamDescriptor("h1", "/dl/h1"))
	b, _ := env.eng.Create(streamDescriptor("h2", "/dl/h2"))
	c, _ := env.eng.Create(streamDescriptor("h3", "/dl/h3"))

	require.NoError(t, env.eng.SetMaxConcurrent(1))
	assert.Equal(t, 2, countStatus(env.eng, domain.TaskStatusDownloading))

	// Finishing one leaves the other running but promotes nothing.
	env.deliver(transport.Done{Task: a.ID})
	assert.Equal(t, 1, countStatus(env.eng, domain.TaskStatusDownloading))
	assert.Equal(t, domain.TaskStatusQueued, mustGet(t, env, c.ID).Status)
	_ = b
}

func TestPriorityOrdersPromotion(t *testing.T) {
	env := newTestEnv(t, func(cfg *engine.Config, _ *engine.Collaborators) {
		cfg.MaxConcurrent = 1
		cfg.AutoStart = false
	})

	low, _ := env.eng.Create(domain.Descriptor{
		ContentHash: "low", Name: "low.bin", Size: 1, OutputPath: "/dl/low",
		SourceAddresses: []string{"p"}, Priority: domain.PriorityLow,
	})
	normal, _ := env.eng.Create(domain.Descriptor{
		ContentHash: "normal", Name: "normal.bin", Size: 1, OutputPath: "/dl/normal",
		SourceAddresses: []string{"p"}, Priority: domain.PriorityNormal,
	})
	high, _ := env.eng.Create(domain.Descriptor{
		ContentHash: "high", Name: "high.bin", Size: 1, OutputPath: "/dl/high",
		SourceAddresses: []string{"p"}, Priority: domain.PriorityHigh,
	})

	require.NoError(t, env.eng.SetAutoStart(true))
	assert.Equal(t, domain.TaskStatusDownloading, mustGet(t, env, high.ID).Status)
	assert.Equal(t, domain.TaskStatusQueued, mustGet(t, env, normal.ID).Status)
	assert.Equal(t, domain.TaskStatusQueued, mustGet(t, env, low.ID).Status)
}

func TestMoveQueuedBreaksTiesAmongEqualPriorities(t *testing.T) {
	env := newTestEnv(t, func(cfg *engine.Config, _ *engine.Collaborators) {
		cfg.MaxConcurrent = 1
		cfg.AutoStart = false
	})

	a, _ := env.eng.Create(streamDescriptor("h1", "/dl/h1"))
	b, _ := env.eng.Create(streamDescriptor("h2", "/dl/h2"))
	c, _ := env.eng.Create(streamDescriptor("h3", "/dl/h3"))

	require.NoError(t, env.eng.MoveQueued(c.ID, 0))
	require.ErrorIs(t, env.eng.MoveQueued("nope", 0), engine.ErrNotQueued)

	require.NoError(t, env.eng.SetAutoStart(true))
	assert.Equal(t, domain.TaskStatusDownloading, mustGet(t, env, c.ID).Status)
	assert.Equal(t, domain.TaskStatusQueued, mustGet(t, env, a.ID).Status)
	assert.Equal(t, domain.TaskStatusQueued, mustGet(t, env, b.ID).Status)
}

func TestSetPriorityOnlyWhileQueued(t *testing.T) {
	env := newTestEnv(t, func(cfg *engine.Config, _ *engine.Collaborators) {
		cfg.MaxConcurrent = 1
	})

	running, _ := env.eng.Create(streamDescriptor("h1", "/dl/h1"))
	queued, _ := env.eng.Create(streamDescriptor("h2", "/dl/h2"))

	require.ErrorIs(t, env.eng.SetPriority(running.ID, domain.PriorityHigh), engine.ErrNotQueued)
	require.NoError(t, env.eng.SetPriority(queued.ID, domain.PriorityHigh))
	assert.Equal(t, domain.PriorityHigh, mustGet(t, env, queued.ID).Priority)
}

func TestForcedChunkWithoutIdentifiersFailsWithoutTransport(t *testing.T) {
	env := newTestEnv(t, nil)

	task, err := env.eng.Create(domain.Descriptor{
		ContentHash:     "qmchunkless",
		Name:            "b.dat",
		Size:            1_000,
		OutputPath:      "/dl/b.dat",
		SourceAddresses: []string{"peer-1"},
		ForcedProtocol:  domain.ProtocolChunk,
	})
	require.NoError(t, err)

	got := mustGet(t, env, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "configuration")
	assert.Zero(t, env.chunks.startCount())
	assert.Zero(t, env.stream.startCount())
}

func TestChunkTransferRequiresSources(t *testing.T) {
	env := newTestEnv(t, nil)

	task, err := env.eng.Create(domain.Descriptor{
		ContentHash:        "qmnosrc",
		Name:               "c.dat",
		Size:               1_000,
		OutputPath:         "/dl/c.dat",
		ContentIdentifiers: []string{"c0", "c1"},
	})
	require.NoError(t, err)

	got := mustGet(t, env, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "configuration")
	assert.Zero(t, env.chunks.startCount())
}

func TestChunkProgressIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	task, err := env.eng.Create(domain.Descriptor{
		ContentHash:        "qmchunks",
		Name:               "d.dat",
		Size:               4_000,
		OutputPath:         "/dl/d.dat",
		SourceAddresses:    []string{"peer-1"},
		ContentIdentifiers: []string{"c0", "c1", "c2", "c3"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.chunks.startCount())

	chunk := func(i int) transport.ChunkProgress {
		return transport.ChunkProgress{Task: task.ID, Index: i, TotalChunks: 4, ChunkSize: 1_000}
	}
	env.clock.Advance(time.Second)
	env.deliver(chunk(0))
	env.deliver(chunk(0))
	env.deliver(chunk(0))

	got := mustGet(t, env, task.ID)
	assert.Len(t, got.DownloadedChunks, 1)
	assert.InDelta(t, 25.0, got.ProgressPercent, 0.01)

	env.deliver(chunk(1))
	env.deliver(chunk(2))
	env.deliver(chunk(3))
	env.deliver(chunk(3))

	got = mustGet(t, env, task.ID)
	assert.Len(t, got.DownloadedChunks, 4)
	assert.InDelta(t, 100.0, got.ProgressPercent, 0.01)
}

func TestMultiSourceScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	// 2 MB across 2 sources with a 1 MB threshold selects multi-source.
	task, err := env.eng.Create(domain.Descriptor{
		ContentHash:     "qmbig",
		Name:            "big.iso",
		Size:            2_000_000,
		OutputPath:      "/dl/big.iso",
		SourceAddresses: []string{"peer-1", "peer-2"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.multi.startCount())
	assert.Equal(t, domain.ProtocolMultiSource, mustGet(t, env, task.ID).Protocol)

	env.deliver(transport.MultiSourceProgress{
		Task:            task.ID,
		DownloadedBytes: 1_000_000,
		TotalChunks:     8,
		CompletedChunks: 4,
		ActiveSources:   2,
		SpeedBps:        250_000,
		ETASeconds:      4,
	})
	env.deliver(transport.PeerUpdate{Task: task.ID, Peer: "peer-1", State: "downloading"})
	env.deliver(transport.PeerUpdate{Task: task.ID, Peer: "peer-2", State: "completed"})

	got := mustGet(t, env, task.ID)
	assert.InDelta(t, 50.0, got.ProgressPercent, 0.01)
	assert.Equal(t, int64(250_000), got.SpeedBytesPerSec)
	assert.Equal(t, domain.PeerStateCompleted, got.PeerStates["peer-2"])
}

func TestMultiSourceSetupFallsBackToStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.multi.startErr = errors.New("no peers answered")

	task, err := env.eng.Create(domain.Descriptor{
		ContentHash:     "qmfallback",
		Name:            "fb.iso",
		Size:            2_000_000,
		OutputPath:      "/dl/fb.iso",
		SourceAddresses: []string{"peer-1", "peer-2"},
	})
	require.NoError(t, err)

	got := mustGet(t, env, task.ID)
	assert.Equal(t, domain.TaskStatusDownloading, got.Status)
	assert.Equal(t, domain.ProtocolStream, got.Protocol)
	assert.Equal(t, 1, env.stream.startCount())
}

func TestSettlementAtMostOncePerHash(t *testing.T) {
	env := newTestEnv(t, func(cfg *engine.Config, _ *engine.Collaborators) {
		cfg.BytesPerCredit = 100_000
	})

	a, _ := env.eng.Create(streamDescriptor("qmpaid", "/dl/one"))
	env.deliver(transport.Done{Task: a.ID})

	require.Eventually(t, func() bool { return env.settler.count() == 1 },
		time.Second, 10*time.Millisecond)

	// A second task for the same content completes but does not pay again.
	b, _ := env.eng.Create(streamDescriptor("qmpaid", "/dl/two"))
	env.deliver(transport.Done{Task: b.ID})
	assert.Equal(t, domain.TaskStatusCompleted, mustGet(t, env, b.ID).Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.settler.count())
}

func TestSettlementSkippedWithoutDestination(t *testing.T) {
	env := newTestEnv(t, func(cfg *engine.Config, _ *engine.Collaborators) {
		cfg.BytesPerCredit = 100_000
	})

	// An empty source address passes dispatch but leaves settlement with
	// no resolvable destination.
	task, _ := env.eng.Create(domain.Descriptor{
		ContentHash:     "qmnodest",
		Name:            "free.bin",
		Size:            500_000,
		OutputPath:      "/dl/free.bin",
		SourceAddresses: []string{""},
	})
	env.deliver(transport.Done{Task: task.ID})
	assert.Equal(t, domain.TaskStatusCompleted, mustGet(t, env, task.ID).Status)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, env.settler.count())
}

func TestSettlementZeroAmountMarksSettledSilently(t *testing.T) {
	env := newTestEnv(t, nil) // default BytesPerCredit (1 MiB) > task size

	task, _ := env.eng.Create(streamDescriptor("qmzero", "/dl/zero"))
	env.deliver(transport.Done{Task: task.ID})
	assert.Equal(t, domain.TaskStatusCompleted, mustGet(t, env, task.ID).Status)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, env.settler.count())
}

func TestDuplicateTerminalEventsWriteOneHistoryEntry(t *testing.T) {
	env := newTestEnv(t, nil)

	task, _ := env.eng.Create(streamDescriptor("qmrace", "/dl/race"))
	env.deliver(transport.Done{Task: task.ID})
	env.deliver(transport.Done{Task: task.ID})
	env.deliver(transport.Failed{Task: task.ID, Reason: "late failure"})

	got := mustGet(t, env, task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, 1, env.history.countByHash("qmrace"))
}

func TestCancelFlipsStatusAndSignalsHandle(t *testing.T) {
	env := newTestEnv(t, nil)

	task, _ := env.eng.Create(streamDescriptor("qmcancel", "/dl/cancel"))
	require.NoError(t, env.eng.Cancel(task.ID))

	got := mustGet(t, env, task.ID)
	assert.Equal(t, domain.TaskStatusCanceled, got.Status)

	require.Eventually(t, func() bool { return env.stream.cancelCount() == 1 },
		time.Second, 10*time.Millisecond)

	// A straggling transport event must not resurrect the task.
	env.deliver(transport.Done{Task: task.ID})
	assert.Equal(t, domain.TaskStatusCanceled, mustGet(t, env, task.ID).Status)
	assert.Equal(t, 1, env.history.countByHash("qmcancel"))

	require.ErrorIs(t, env.eng.Cancel(task.ID), engine.ErrInvalidTransition)
}

func TestPauseFreesSlotAndResumeRespectsCeiling(t *testing.T) {
	env := newTestEnv(t, func(cfg *engine.Config, _ *engine.Collaborators) {
		cfg.MaxConcurrent = 1
	})

	a, _ := env.eng.Create(streamDescriptor("h1", "/dl/h1"))
	b, _ := env.eng.Create(streamDescriptor("h2", "/dl/h2"))
	assert.Equal(t, domain.TaskStatusQueued, mustGet(t, env, b.ID).Status)

	require.NoError(t, env.eng.Pause(a.ID))
	assert.Equal(t, domain.TaskStatusPaused, mustGet(t, env, a.ID).Status)
	// Pausing freed the slot; b gets promoted.
	assert.Equal(t, domain.TaskStatusDownloading, mustGet(t, env, b.ID).Status)

	require.ErrorIs(t, env.eng.Resume(a.ID), engine.ErrNoCapacity)

	env.deliver(transport.Done{Task: b.ID})
	require.NoError(t, env.eng.Resume(a.ID))
	assert.Equal(t, domain.TaskStatusDownloading, mustGet(t, env, a.ID).Status)
}

func TestRetryAllocatesFreshTask(t *testing.T) {
	env := newTestEnv(t, nil)

	task, _ := env.eng.Create(streamDescriptor("qmretry", "/dl/retry"))
	env.deliver(transport.Failed{Task: task.ID, Reason: "peer gone"})
	require.Equal(t, domain.TaskStatusFailed, mustGet(t, env, task.ID).Status)

	fresh, err := env.eng.Retry(task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, fresh.ID)
	assert.Equal(t, task.ContentHash, fresh.ContentHash)
	assert.Empty(t, fresh.DownloadedChunks)

	// The failed original stays for history and inspection.
	assert.Equal(t, domain.TaskStatusFailed, mustGet(t, env, task.ID).Status)

	// Retry of a non-terminal task is refused.
	_, err = env.eng.Retry(fresh.ID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestLocalFastPathCompletesAndSettles(t *testing.T) {
	resolver := &fakeResolver{held: true}
	env := newTestEnv(t, func(cfg *engine.Config, col *engine.Collaborators) {
		cfg.BytesPerCredit = 100_000
		col.Resolver = resolver
	})

	task, _ := env.eng.Create(streamDescriptor("qmlocal", "/dl/local"))

	require.Eventually(t, func() bool {
		return mustGet(t, env, task.ID).Status == domain.TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	got := mustGet(t, env, task.ID)
	assert.Equal(t, domain.ProtocolLocal, got.Protocol)
	assert.Zero(t, env.stream.startCount())

	require.Eventually(t, func() bool { return env.settler.count() == 1 },
		time.Second, 10*time.Millisecond)
}

type fakeResolver struct {
	mu     sync.Mutex
	held   bool
	copies int
}

func (r *fakeResolver) HeldLocally(ctx context.Context, contentHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held, nil
}

func (r *fakeResolver) CopyLocal(ctx context.Context, contentHash, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copies++
	return nil
}

func mustGet(t *testing.T, env *testEnv, id string) domain.Task {
	t.Helper()
	task, err := env.eng.Get(id)
	require.NoError(t, err)
	return task
}

func countStatus(eng *engine.Engine, status domain.TaskStatus) int {
	n := 0
	for _, task := range eng.List() {
		if task.Status == status {
			n++
		}
	}
	return n
}
