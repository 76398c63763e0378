// Package transport defines the contracts between the orchestration
// engine and its external collaborators: the transfer protocols, the
// local content store, the decryption step, and the settlement ledger.
// Implementations run in their own goroutines and report back through
// tagged progress events; they never touch engine state directly.
package transport

import "context"

// Handle lets the engine interrupt a running transfer. Cancel must be
// safe to call more than once and must not block on network teardown.
type Handle interface {
	Cancel()
}

// HandleFunc adapts a plain function to a Handle.
type HandleFunc func()

func (f HandleFunc) Cancel() { f() }

// Request is the transport-facing slice of a task. Transports receive a
// copy; mutating it has no effect on the engine.
type Request struct {
	TaskID      string
	ContentHash string
	Name        string
	Size        int64
	Sources     []string
	ChunkRefs   []string
	OutputPath  string
	// StagingPath receives raw bytes for encrypted content; decryption
	// into OutputPath happens after the transfer finishes.
	StagingPath string
}

// Sink receives progress and lifecycle events from a running transfer.
// Delivery must not block the transport for long; the engine serializes
// events internally.
type Sink interface {
	Deliver(Event)
}

// Event is the tagged union of everything a transport can report.
type Event interface {
	TaskID() string
}

// ByteProgress carries a cumulative byte counter for stream transfers.
type ByteProgress struct {
	Task          string
	ReceivedBytes int64
}

// ChunkProgress reports one received chunk of a chunk-addressed transfer.
type ChunkProgress struct {
	Task        string
	Index       int
	TotalChunks int
	ChunkSize   int64
}

// MultiSourceProgress is the composite counter a multi-source transfer
// emits; the engine derives percent from completed/total chunks, or from
// bytes when the transfer is not chunked.
type MultiSourceProgress struct {
	Task            string
	DownloadedBytes int64
	TotalChunks     int
	CompletedChunks int
	ActiveSources   int
	SpeedBps        int64
	ETASeconds      int64
}

// PeerUpdate reports a per-peer status change within a multi-source
// transfer. Observability only.
type PeerUpdate struct {
	Task  string
	Peer  string
	State string // downloading, completed, failed
}

// Done signals a transfer delivered all content. RootRef, when present,
// names the root content identifier the transport verified against.
type Done struct {
	Task    string
	RootRef string
}

// Failed signals a transport-level failure after the transfer started.
type Failed struct {
	Task   string
	Reason string
}

func (e ByteProgress) TaskID() string        { return e.Task }
func (e ChunkProgress) TaskID() string       { return e.Task }
func (e MultiSourceProgress) TaskID() string { return e.Task }
func (e PeerUpdate) TaskID() string          { return e.Task }
func (e Done) TaskID() string                { return e.Task }
func (e Failed) TaskID() string              { return e.Task }

// ChunkFetcher retrieves content as independently addressed chunks from
// the swarm.
type ChunkFetcher interface {
	Start(ctx context.Context, req Request, sink Sink) (Handle, error)
}

// MultiSourceFetcher retrieves disjoint ranges of one file from several
// peers in parallel. A Start error before any bytes were received is a
// setup failure; the engine falls back to a stream transfer.
type MultiSourceFetcher interface {
	Start(ctx context.Context, req Request, maxPeers int, sink Sink) (Handle, error)
}

// StreamFetcher retrieves the whole file from a single peer.
type StreamFetcher interface {
	Start(ctx context.Context, req Request, sink Sink) (Handle, error)
}

// Resolver answers whether content is already held locally and copies it
// out when it is.
type Resolver interface {
	HeldLocally(ctx context.Context, contentHash string) (bool, error)
	CopyLocal(ctx context.Context, contentHash, outputPath string) error
}

// Decryptor runs the post-transfer decryption step for encrypted content.
type Decryptor interface {
	Decrypt(ctx context.Context, manifestRef, stagingPath, outputPath string) error
}

// Settler executes payment to a content provider. The engine guarantees
// at most one call per content hash.
type Settler interface {
	Settle(ctx context.Context, contentHash string, amount int64, destination, peerHint string) error
}
