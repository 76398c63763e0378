package engine

import "peerfetch/internal/domain"

// maybePromote promotes queued tasks into active transfers while the
// concurrency ceiling allows. It runs after every store or queue
// mutation and is idempotent: with no queue changes it mutates nothing.
func (e *Engine) maybePromote() {
	if !e.autoStart {
		return
	}
	for e.downloadingCount() < e.maxConcurrent {
		id, ok := e.nextQueued()
		if !ok {
			return
		}
		e.promote(id)
	}
}

// nextQueued picks the head of the pending queue: highest priority
// first, ties broken by queue position (insertion order unless moved
// manually).
func (e *Engine) nextQueued() (string, bool) {
	best := -1
	for i, id := range e.queue {
		t, ok := e.tasks[id]
		if !ok || t.Status != domain.TaskStatusQueued {
			continue
		}
		if best < 0 || t.Priority > e.tasks[e.queue[best]].Priority {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return e.queue[best], true
}

// promote moves a queued task to Downloading with zeroed progress and
// hands it to the dispatcher.
func (e *Engine) promote(id string) {
	t, ok := e.tasks[id]
	if !ok {
		e.dequeue(id)
		return
	}
	e.dequeue(id)
	e.setStatus(t, domain.TaskStatusDownloading)
	t.ProgressPercent = 0
	t.SpeedBytesPerSec = 0
	t.ETASeconds = -1
	t.DownloadedBytes = 0
	e.meters[id] = newMeter(e.cfg.Now())
	e.log.WithField("task_id", id).Info("task promoted")
	e.dispatch(t)
	e.persistSnapshot()
}
