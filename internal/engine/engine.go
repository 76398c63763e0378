// Package engine implements the download orchestration core: the task
// store and its state machine, admission scheduling, protocol dispatch,
// progress aggregation, crash-resume snapshots, settlement, and history
// recording. One goroutine owns all mutable state; public methods and
// transport callbacks enqueue closures that the loop applies serially.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerfetch/internal/domain"
	"peerfetch/internal/repository"
	"peerfetch/internal/transport"
)

var (
	// ErrDuplicateTask indicates a non-terminal task already tracks the
	// same content and destination.
	ErrDuplicateTask = errors.New("task already exists for content and destination")
	// ErrTaskNotFound indicates the task id is unknown to the store.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotQueued indicates an operation valid only for queued tasks.
	ErrNotQueued = errors.New("task is not queued")
	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoCapacity indicates resuming would exceed the concurrency ceiling.
	ErrNoCapacity = errors.New("concurrency limit reached")
	// ErrEngineClosed indicates the engine has shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// Collaborators bundles the external contracts the engine drives.
// Resolver, Decryptor, and Settler may be nil; the corresponding steps
// are then skipped with a warning where the flow permits it.
type Collaborators struct {
	Resolver transport.Resolver
	Chunks   transport.ChunkFetcher
	Multi    transport.MultiSourceFetcher
	Stream   transport.StreamFetcher
	Decrypt  transport.Decryptor
	Settler  transport.Settler
}

// Archiver uploads a completed download to remote storage. Optional.
type Archiver interface {
	ArchiveFile(ctx context.Context, localPath, key string) (string, error)
}

type Config struct {
	MaxConcurrent        int
	AutoStart            bool
	MultiSourceThreshold int64
	MaxPeers             int
	SnapshotMaxAge       time.Duration
	BytesPerCredit       int64
	StagingDir           string
	Logger               *logrus.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Engine struct {
	cfg       Config
	log       *logrus.Logger
	col       Collaborators
	history   repository.HistoryRepository
	snapshots repository.SnapshotRepository
	archiver  Archiver

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Everything below is owned by the event loop.
	tasks       map[string]*domain.Task
	queue       []string
	handles     map[string]transport.Handle
	paid        map[string]struct{}
	meters      map[string]*meter
	assignments map[string][]domain.SourceRange

	maxConcurrent int
	autoStart     bool
	restored      bool
}

func New(cfg Config, col Collaborators, history repository.HistoryRepository, snapshots repository.SnapshotRepository) *Engine {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxPeers < 1 {
		cfg.MaxPeers = 4
	}
	if cfg.MultiSourceThreshold <= 0 {
		cfg.MultiSourceThreshold = 8 << 20
	}
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:           cfg,
		log:           cfg.Logger,
		col:           col,
		history:       history,
		snapshots:     snapshots,
		cmds:          make(chan func(), 256),
		tasks:         make(map[string]*domain.Task),
		handles:       make(map[string]transport.Handle),
		paid:          make(map[string]struct{}),
		meters:        make(map[string]*meter),
		assignments:   make(map[string][]domain.SourceRange),
		maxConcurrent: cfg.MaxConcurrent,
		autoStart:     cfg.AutoStart,
	}
}

// SetArchiver installs the optional completed-download archiver. Must be
// called before Start.
func (e *Engine) SetArchiver(a Archiver) { e.archiver = a }

// Start launches the event loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx != nil {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run()
	e.log.Info("download engine started")
	return nil
}

// Shutdown stops the event loop and signals every registered transport
// handle to cancel. Task state is left as-is; the resume snapshot covers
// the next startup.
func (e *Engine) Shutdown() {
	if e.cancel == nil {
		return
	}
	_ = e.do(func() {
		for id, h := range e.handles {
			delete(e.handles, id)
			go h.Cancel()
		}
	})
	e.cancel()
	e.wg.Wait()
	e.log.Info("download engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.cmds:
			fn()
		}
	}
}

// do runs fn inside the event loop and waits for it.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
}

// post enqueues fn without waiting. Used by transport callbacks.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.ctx.Done():
	}
}

// Deliver routes a transport event into the event loop. Implements
// transport.Sink.
func (e *Engine) Deliver(ev transport.Event) {
	e.post(func() { e.applyEvent(ev) })
}

// Create registers a new download. It rejects the request when a
// non-terminal task already tracks the same content hash and output
// path, returning ErrDuplicateTask wrapped with the conflicting id.
func (e *Engine) Create(desc domain.Descriptor) (domain.Task, error) {
	var (
		out    domain.Task
		outErr error
	)
	err := e.do(func() {
		out, outErr = e.createLocked(desc)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, outErr
}

func (e *Engine) createLocked(desc domain.Descriptor) (domain.Task, error) {
	if desc.ContentHash == "" {
		return domain.Task{}, errors.New("content hash is required")
	}
	if desc.Name == "" {
		return domain.Task{}, errors.New("name is required")
	}
	if dup := e.findActive(desc.ContentHash, desc.OutputPath); dup != nil {
		return domain.Task{}, fmt.Errorf("%w: task %s is %s", ErrDuplicateTask, dup.ID, dup.Status)
	}

	now := e.cfg.Now().UTC()
	t := &domain.Task{
		ID:                 uuid.NewString(),
		ContentHash:        desc.ContentHash,
		Name:               desc.Name,
		Size:               desc.Size,
		Status:             domain.TaskStatusQueued,
		Priority:           desc.Priority,
		ETASeconds:         -1,
		SourceAddresses:    append([]string(nil), desc.SourceAddresses...),
		ContentIdentifiers: append([]string(nil), desc.ContentIdentifiers...),
		DownloadedChunks:   make(map[int]struct{}),
		OutputPath:         desc.OutputPath,
		IsEncrypted:        desc.IsEncrypted,
		ManifestRef:        desc.ManifestRef,
		ForcedProtocol:     desc.ForcedProtocol,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	e.tasks[t.ID] = t
	e.queue = append(e.queue, t.ID)
	e.log.WithField("task_id", t.ID).Infof("task queued: %s (%d bytes)", t.Name, t.Size)

	e.persistSnapshot()
	e.maybePromote()
	return t.Clone(), nil
}

// findActive returns the non-terminal task tracking the given content
// hash and output path, if any.
func (e *Engine) findActive(contentHash, outputPath string) *domain.Task {
	for _, t := range e.tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.ContentHash == contentHash && t.OutputPath == outputPath {
			return t
		}
	}
	return nil
}

// Get returns a copy of the task.
func (e *Engine) Get(id string) (domain.Task, error) {
	var (
		out   domain.Task
		found bool
	)
	err := e.do(func() {
		if t, ok := e.tasks[id]; ok {
			out = t.Clone()
			found = true
		}
	})
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, ErrTaskNotFound
	}
	return out, nil
}

// List returns copies of all tracked tasks, newest first.
func (e *Engine) List() []domain.Task {
	var out []domain.Task
	_ = e.do(func() {
		out = make([]domain.Task, 0, len(e.tasks))
		for _, t := range e.tasks {
			out = append(out, t.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel transitions the task to Canceled from any non-terminal state.
// The status flips synchronously; the transport handle is signaled
// asynchronously and the two are deliberately decoupled.
func (e *Engine) Cancel(id string) error {
	var outErr error
	err := e.do(func() { outErr = e.cancelLocked(id) })
	if err != nil {
		return err
	}
	return outErr
}

func (e *Engine) cancelLocked(id string) error {
	t, ok := e.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel %s task", ErrInvalidTransition, t.Status)
	}
	e.dequeue(id)
	e.setStatus(t, domain.TaskStatusCanceled)
	t.SpeedBytesPerSec = 0
	t.ETASeconds = -1
	e.releaseHandle(id)
	e.cleanupTransfer(id)
	e.recordTerminal(t, "")
	e.log.WithField("task_id", id).Info("task canceled")
	e.persistSnapshot()
	e.maybePromote()
	return nil
}

// Pause suspends a Downloading task. The transfer is torn down; chunk
// state survives for the eventual resume. Paused tasks do not hold a
// concurrency slot.
func (e *Engine) Pause(id string) error {
	var outErr error
	err := e.do(func() {
		t, ok := e.tasks[id]
		if !ok {
			outErr = ErrTaskNotFound
			return
		}
		if t.Status != domain.TaskStatusDownloading {
			outErr = fmt.Errorf("%w: pause requires downloading, task is %s", ErrInvalidTransition, t.Status)
			return
		}
		e.setStatus(t, domain.TaskStatusPaused)
		t.SpeedBytesPerSec = 0
		t.ETASeconds = -1
		e.releaseHandle(id)
		delete(e.meters, id)
		delete(e.assignments, id)
		e.log.WithField("task_id", id).Info("task paused")
		e.persistSnapshot()
		e.maybePromote()
	})
	if err != nil {
		return err
	}
	return outErr
}

// Resume returns a Paused task to Downloading, provided a concurrency
// slot is free. The transfer restarts on the protocol assigned at first
// dispatch; already-downloaded chunks are kept.
func (e *Engine) Resume(id string) error {
	var outErr error
	err := e.do(func() {
		t, ok := e.tasks[id]
		if !ok {
			outErr = ErrTaskNotFound
			return
		}
		if t.Status != domain.TaskStatusPaused {
			outErr = fmt.Errorf("%w: resume requires paused, task is %s", ErrInvalidTransition, t.Status)
			return
		}
		if e.downloadingCount() >= e.maxConcurrent {
			outErr = ErrNoCapacity
			return
		}
		e.setStatus(t, domain.TaskStatusDownloading)
		e.meters[id] = newMeter(e.cfg.Now())
		e.log.WithField("task_id", id).Info("task resumed")
		e.dispatch(t)
		e.persistSnapshot()
	})
	if err != nil {
		return err
	}
	return outErr
}

// Retry re-queues a Failed or Canceled download as a brand new task,
// preserving the descriptor fields. The old task stays in the store
// until explicitly removed.
func (e *Engine) Retry(id string) (domain.Task, error) {
	var (
		out    domain.Task
		outErr error
	)
	err := e.do(func() {
		t, ok := e.tasks[id]
		if !ok {
			outErr = ErrTaskNotFound
			return
		}
		if t.Status != domain.TaskStatusFailed && t.Status != domain.TaskStatusCanceled {
			outErr = fmt.Errorf("%w: retry requires failed or canceled, task is %s", ErrInvalidTransition, t.Status)
			return
		}
		out, outErr = e.createLocked(domain.Descriptor{
			ContentHash:        t.ContentHash,
			Name:               t.Name,
			Size:               t.Size,
			OutputPath:         t.OutputPath,
			SourceAddresses:    append([]string(nil), t.SourceAddresses...),
			ContentIdentifiers: append([]string(nil), t.ContentIdentifiers...),
			IsEncrypted:        t.IsEncrypted,
			ManifestRef:        t.ManifestRef,
			Priority:           t.Priority,
			ForcedProtocol:     t.ForcedProtocol,
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, outErr
}

// Remove deletes a task from the store. Non-terminal tasks are canceled
// first; history entries written at terminal time are unaffected.
func (e *Engine) Remove(id string) error {
	var outErr error
	err := e.do(func() {
		t, ok := e.tasks[id]
		if !ok {
			outErr = ErrTaskNotFound
			return
		}
		if !t.Status.Terminal() {
			if err := e.cancelLocked(id); err != nil {
				outErr = err
				return
			}
		}
		delete(e.tasks, id)
		e.cleanupTransfer(id)
		e.persistSnapshot()
	})
	if err != nil {
		return err
	}
	return outErr
}

// SetPriority changes a task's priority. Valid only while Queued.
func (e *Engine) SetPriority(id string, p domain.TaskPriority) error {
	var outErr error
	err := e.do(func() {
		t, ok := e.tasks[id]
		if !ok {
			outErr = ErrTaskNotFound
			return
		}
		if t.Status != domain.TaskStatusQueued {
			outErr = fmt.Errorf("%w: priority is mutable only while queued", ErrNotQueued)
			return
		}
		t.Priority = p
		t.UpdatedAt = e.cfg.Now().UTC()
		e.persistSnapshot()
		e.maybePromote()
	})
	if err != nil {
		return err
	}
	return outErr
}

// MoveQueued repositions a queued task within the manual queue order.
// Priority still dominates; the move breaks ties among equal priorities.
func (e *Engine) MoveQueued(id string, index int) error {
	var outErr error
	err := e.do(func() {
		pos := -1
		for i, qid := range e.queue {
			if qid == id {
				pos = i
				break
			}
		}
		if pos < 0 {
			outErr = ErrNotQueued
			return
		}
		if index < 0 {
			index = 0
		}
		if index >= len(e.queue) {
			index = len(e.queue) - 1
		}
		e.queue = append(e.queue[:pos], e.queue[pos+1:]...)
		e.queue = append(e.queue[:index], append([]string{id}, e.queue[index:]...)...)
		e.persistSnapshot()
	})
	if err != nil {
		return err
	}
	return outErr
}

// Settings reports the scheduler knobs.
func (e *Engine) Settings() (maxConcurrent int, autoStart bool) {
	_ = e.do(func() {
		maxConcurrent = e.maxConcurrent
		autoStart = e.autoStart
	})
	return maxConcurrent, autoStart
}

// SetMaxConcurrent adjusts the concurrency ceiling. Lowering it never
// preempts running transfers; it only throttles future promotions.
func (e *Engine) SetMaxConcurrent(n int) error {
	if n < 1 {
		return errors.New("max concurrent must be at least 1")
	}
	return e.do(func() {
		e.maxConcurrent = n
		e.maybePromote()
	})
}

// SetAutoStart toggles automatic promotion of queued tasks.
func (e *Engine) SetAutoStart(enabled bool) error {
	return e.do(func() {
		e.autoStart = enabled
		e.maybePromote()
	})
}

func (e *Engine) setStatus(t *domain.Task, s domain.TaskStatus) {
	t.Status = s
	t.UpdatedAt = e.cfg.Now().UTC()
}

func (e *Engine) dequeue(id string) {
	for i, qid := range e.queue {
		if qid == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// releaseHandle drops the registered transport handle and signals it to
// stop without blocking the loop.
func (e *Engine) releaseHandle(id string) {
	if h, ok := e.handles[id]; ok {
		delete(e.handles, id)
		go h.Cancel()
	}
}

// cleanupTransfer discards ephemeral per-transfer state.
func (e *Engine) cleanupTransfer(id string) {
	delete(e.meters, id)
	delete(e.assignments, id)
}

func (e *Engine) downloadingCount() int {
	n := 0
	for _, t := range e.tasks {
		if t.Status == domain.TaskStatusDownloading {
			n++
		}
	}
	return n
}
