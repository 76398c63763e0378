package engine

import (
	"fmt"
	"path/filepath"

	"peerfetch/internal/domain"
	"peerfetch/internal/transport"
)

// dispatch selects the transport for a freshly promoted (or resumed)
// task and starts it. Configuration problems fail the task immediately
// without any transport call; a multi-source setup error falls back to
// a single-peer stream instead of surfacing as a failure.
func (e *Engine) dispatch(t *domain.Task) {
	proto := t.Protocol
	if proto == domain.ProtocolNone {
		proto = t.ForcedProtocol
	}
	if proto == domain.ProtocolNone {
		proto = e.selectProtocol(t)
	}

	switch proto {
	case domain.ProtocolLocal:
		e.startLocal(t)
	case domain.ProtocolChunk:
		e.startChunk(t)
	case domain.ProtocolMultiSource:
		e.startMultiSource(t)
	default:
		e.startStream(t)
	}
}

func (e *Engine) selectProtocol(t *domain.Task) domain.Protocol {
	if e.col.Resolver != nil {
		held, err := e.col.Resolver.HeldLocally(e.ctx, t.ContentHash)
		if err != nil {
			e.log.WithField("task_id", t.ID).Warnf("local availability check: %v", err)
		} else if held {
			return domain.ProtocolLocal
		}
	}
	if len(t.ContentIdentifiers) > 0 {
		return domain.ProtocolChunk
	}
	if len(t.SourceAddresses) >= 2 && t.Size > e.cfg.MultiSourceThreshold {
		return domain.ProtocolMultiSource
	}
	return domain.ProtocolStream
}

func (e *Engine) buildRequest(t *domain.Task) transport.Request {
	req := transport.Request{
		TaskID:      t.ID,
		ContentHash: t.ContentHash,
		Name:        t.Name,
		Size:        t.Size,
		Sources:     append([]string(nil), t.SourceAddresses...),
		ChunkRefs:   append([]string(nil), t.ContentIdentifiers...),
		OutputPath:  t.OutputPath,
	}
	if t.IsEncrypted {
		req.StagingPath = filepath.Join(e.cfg.StagingDir, t.ID)
	}
	return req
}

// failConfig marks a task Failed for a configuration problem, before
// any transport was attempted. Distinct from transport failures so the
// caller can tell a bad request from a bad network.
func (e *Engine) failConfig(t *domain.Task, reason string) {
	e.failTask(t, "configuration: "+reason)
}

func (e *Engine) startLocal(t *domain.Task) {
	if e.col.Resolver == nil {
		e.failConfig(t, "local content store not configured")
		return
	}
	if t.OutputPath == "" {
		e.failConfig(t, "no destination path confirmed")
		return
	}
	t.Protocol = domain.ProtocolLocal
	e.log.WithField("task_id", t.ID).Info("content held locally, copying")

	id, hash, out := t.ID, t.ContentHash, t.OutputPath
	ctx := e.ctx
	go func() {
		if err := e.col.Resolver.CopyLocal(ctx, hash, out); err != nil {
			e.Deliver(transport.Failed{Task: id, Reason: fmt.Sprintf("local copy: %v", err)})
			return
		}
		e.Deliver(transport.Done{Task: id})
	}()
}

func (e *Engine) startChunk(t *domain.Task) {
	if len(t.ContentIdentifiers) == 0 {
		e.failConfig(t, "chunk transfer selected but content identifiers are missing")
		return
	}
	if len(t.SourceAddresses) == 0 {
		e.failConfig(t, "chunk transfer requires at least one source address")
		return
	}
	if t.OutputPath == "" {
		e.failConfig(t, "no destination path confirmed")
		return
	}
	if e.col.Chunks == nil {
		e.failConfig(t, "chunk transport not configured")
		return
	}
	h, err := e.col.Chunks.Start(e.ctx, e.buildRequest(t), e)
	if err != nil {
		e.failTask(t, fmt.Sprintf("start chunk transfer: %v", err))
		return
	}
	t.Protocol = domain.ProtocolChunk
	e.handles[t.ID] = h
}

func (e *Engine) startMultiSource(t *domain.Task) {
	if t.OutputPath == "" {
		e.failConfig(t, "no destination path confirmed")
		return
	}
	if len(t.SourceAddresses) == 0 {
		e.failConfig(t, "no source addresses known")
		return
	}
	if e.col.Multi == nil {
		e.fallbackToStream(t, "multi-source transport not configured")
		return
	}

	e.assignments[t.ID] = splitSources(t.SourceAddresses, t.Size, e.cfg.MaxPeers)
	t.PeerStates = make(map[string]domain.PeerState, len(e.assignments[t.ID]))
	for _, r := range e.assignments[t.ID] {
		t.PeerStates[r.Peer] = domain.PeerStateDownloading
	}

	h, err := e.col.Multi.Start(e.ctx, e.buildRequest(t), e.cfg.MaxPeers, e)
	if err != nil {
		// Setup failed before any bytes moved; not a user-facing failure.
		e.cleanupTransfer(t.ID)
		t.PeerStates = nil
		e.fallbackToStream(t, fmt.Sprintf("multi-source setup: %v", err))
		return
	}
	t.Protocol = domain.ProtocolMultiSource
	e.handles[t.ID] = h
}

func (e *Engine) fallbackToStream(t *domain.Task, why string) {
	e.log.WithField("task_id", t.ID).Warnf("%s, falling back to stream transfer", why)
	e.startStream(t)
}

func (e *Engine) startStream(t *domain.Task) {
	if t.OutputPath == "" {
		e.failConfig(t, "no destination path confirmed")
		return
	}
	if len(t.SourceAddresses) == 0 {
		e.failConfig(t, "no source addresses known")
		return
	}
	if e.col.Stream == nil {
		e.failConfig(t, "stream transport not configured")
		return
	}
	h, err := e.col.Stream.Start(e.ctx, e.buildRequest(t), e)
	if err != nil {
		e.failTask(t, fmt.Sprintf("start stream transfer: %v", err))
		return
	}
	t.Protocol = domain.ProtocolStream
	e.handles[t.ID] = h
}

// splitSources partitions the file into contiguous ranges, one per peer,
// capped at maxPeers. The remainder lands on the last range.
func splitSources(sources []string, size int64, maxPeers int) []domain.SourceRange {
	n := len(sources)
	if n > maxPeers {
		n = maxPeers
	}
	if n == 0 {
		return nil
	}
	part := size / int64(n)
	ranges := make([]domain.SourceRange, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := part
		if i == n-1 {
			length = size - offset
		}
		ranges = append(ranges, domain.SourceRange{Peer: sources[i], Offset: offset, Length: length})
		offset += length
	}
	return ranges
}
