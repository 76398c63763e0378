// Package sim provides in-process transport implementations that
// synthesize the collaborator event streams of a real peer network.
// Transfers are paced by a token-bucket rate limiter so progress,
// speed, and ETA behave like a genuine download. This is the default
// network mode: it makes the engine runnable end to end without peers.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"peerfetch/internal/transport"
)

type Options struct {
	// BytesPerSecond caps the simulated transfer rate.
	BytesPerSecond int64
	// ChunkSize is the synthetic chunk size for chunked transfers.
	ChunkSize int64
	// Interval is how often stream and multi-source transfers report.
	Interval time.Duration
	Fs       afero.Fs
	Logger   *logrus.Logger
}

// Suite implements every transport contract against simulated peers.
type Suite struct {
	opts Options
}

func NewSuite(opts Options) *Suite {
	if opts.BytesPerSecond <= 0 {
		opts.BytesPerSecond = 4 << 20
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 256 << 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Suite{opts: opts}
}

func (s *Suite) limiter() *rate.Limiter {
	burst := int(s.opts.BytesPerSecond)
	if int64(s.opts.ChunkSize) > s.opts.BytesPerSecond {
		burst = int(s.opts.ChunkSize)
	}
	return rate.NewLimiter(rate.Limit(s.opts.BytesPerSecond), burst)
}

func (s *Suite) handle(cancel context.CancelFunc) transport.Handle {
	return transport.HandleFunc(func() { cancel() })
}

// Start implements transport.ChunkFetcher: one event per chunk address,
// paced at the configured rate, then the file is materialized and Done
// fires with the root reference.
func (s *Suite) Start(ctx context.Context, req transport.Request, sink transport.Sink) (transport.Handle, error) {
	total := len(req.ChunkRefs)
	if total == 0 {
		return nil, fmt.Errorf("no chunk references for %s", req.ContentHash)
	}
	chunkSize := req.Size / int64(total)
	if chunkSize <= 0 {
		chunkSize = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	lim := s.limiter()
	go func() {
		defer cancel()
		for i := 0; i < total; i++ {
			if err := waitBytes(ctx, lim, chunkSize); err != nil {
				return
			}
			sink.Deliver(transport.ChunkProgress{
				Task:        req.TaskID,
				Index:       i,
				TotalChunks: total,
				ChunkSize:   chunkSize,
			})
		}
		if err := s.materialize(req); err != nil {
			sink.Deliver(transport.Failed{Task: req.TaskID, Reason: err.Error()})
			return
		}
		sink.Deliver(transport.Done{Task: req.TaskID, RootRef: req.ChunkRefs[0]})
	}()
	return s.handle(cancel), nil
}

// StartMulti implements transport.MultiSourceFetcher via the Multi
// wrapper. Setup fails when fewer than two peers are available, which
// exercises the engine's stream fallback.
func (s *Suite) startMulti(ctx context.Context, req transport.Request, maxPeers int, sink transport.Sink) (transport.Handle, error) {
	if len(req.Sources) < 2 {
		return nil, fmt.Errorf("multi-source transfer needs at least two peers, have %d", len(req.Sources))
	}
	peers := req.Sources
	if len(peers) > maxPeers {
		peers = peers[:maxPeers]
	}

	totalChunks := int(req.Size / s.opts.ChunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	lim := s.limiter()
	interval := s.opts.Interval
	go func() {
		defer cancel()
		for _, p := range peers {
			sink.Deliver(transport.PeerUpdate{Task: req.TaskID, Peer: p, State: "downloading"})
		}

		var downloaded int64
		start := time.Now()
		step := s.opts.BytesPerSecond * int64(interval) / int64(time.Second)
		if step <= 0 {
			step = s.opts.ChunkSize
		}
		for downloaded < req.Size {
			n := step
			if rest := req.Size - downloaded; n > rest {
				n = rest
			}
			if err := waitBytes(ctx, lim, n); err != nil {
				return
			}
			downloaded += n

			elapsed := time.Since(start).Seconds()
			speed := int64(0)
			if elapsed > 0 {
				speed = int64(float64(downloaded) / elapsed)
			}
			eta := int64(-1)
			if speed > 0 {
				eta = (req.Size - downloaded) / speed
			}
			completed := int(downloaded * int64(totalChunks) / req.Size)
			sink.Deliver(transport.MultiSourceProgress{
				Task:            req.TaskID,
				DownloadedBytes: downloaded,
				TotalChunks:     totalChunks,
				CompletedChunks: completed,
				ActiveSources:   len(peers),
				SpeedBps:        speed,
				ETASeconds:      eta,
			})
		}
		for _, p := range peers {
			sink.Deliver(transport.PeerUpdate{Task: req.TaskID, Peer: p, State: "completed"})
		}
		if err := s.materialize(req); err != nil {
			sink.Deliver(transport.Failed{Task: req.TaskID, Reason: err.Error()})
			return
		}
		sink.Deliver(transport.Done{Task: req.TaskID})
	}()
	return s.handle(cancel), nil
}

// startStream simulates a single-peer byte stream with cumulative
// progress reports.
func (s *Suite) startStream(ctx context.Context, req transport.Request, sink transport.Sink) (transport.Handle, error) {
	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("no peer to stream %s from", req.ContentHash)
	}

	ctx, cancel := context.WithCancel(ctx)
	lim := s.limiter()
	step := s.opts.BytesPerSecond * int64(s.opts.Interval) / int64(time.Second)
	if step <= 0 {
		step = 64 << 10
	}
	go func() {
		defer cancel()
		var received int64
		for received < req.Size {
			n := step
			if rest := req.Size - received; n > rest {
				n = rest
			}
			if err := waitBytes(ctx, lim, n); err != nil {
				return
			}
			received += n
			sink.Deliver(transport.ByteProgress{Task: req.TaskID, ReceivedBytes: received})
		}
		if err := s.materialize(req); err != nil {
			sink.Deliver(transport.Failed{Task: req.TaskID, Reason: err.Error()})
			return
		}
		sink.Deliver(transport.Done{Task: req.TaskID})
	}()
	return s.handle(cancel), nil
}

// materialize writes the synthetic payload to the transfer target:
// staging for encrypted content, the destination otherwise.
func (s *Suite) materialize(req transport.Request) error {
	target := req.OutputPath
	if req.StagingPath != "" {
		target = req.StagingPath
	}
	data := bytes.Repeat([]byte{0xfe}, int(min64(req.Size, 1<<20)))
	if err := writeAll(s.opts.Fs, target, data); err != nil {
		return fmt.Errorf("materialize %s: %w", req.Name, err)
	}
	return nil
}

// Decrypt implements transport.Decryptor by copying the staged payload
// to the destination, standing in for the real decryption routine.
func (s *Suite) Decrypt(ctx context.Context, manifestRef, stagingPath, outputPath string) error {
	if manifestRef == "" {
		return fmt.Errorf("manifest reference is required")
	}
	src, err := s.opts.Fs.Open(stagingPath)
	if err != nil {
		return fmt.Errorf("open staged payload: %w", err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read staged payload: %w", err)
	}
	return writeAll(s.opts.Fs, outputPath, data)
}

// Settle implements transport.Settler: it always succeeds, logging the
// payment it would have executed against the ledger.
func (s *Suite) Settle(ctx context.Context, contentHash string, amount int64, destination, peerHint string) error {
	s.opts.Logger.Infof("sim settlement: %d credits for %s to %s", amount, contentHash, destination)
	return nil
}

// multiFetcher adapts Suite to transport.MultiSourceFetcher without
// colliding with the chunk fetcher's Start signature.
type multiFetcher struct{ s *Suite }

func (m multiFetcher) Start(ctx context.Context, req transport.Request, maxPeers int, sink transport.Sink) (transport.Handle, error) {
	return m.s.startMulti(ctx, req, maxPeers, sink)
}

type streamFetcher struct{ s *Suite }

func (f streamFetcher) Start(ctx context.Context, req transport.Request, sink transport.Sink) (transport.Handle, error) {
	return f.s.startStream(ctx, req, sink)
}

// Multi returns the multi-source view of the suite.
func (s *Suite) Multi() transport.MultiSourceFetcher { return multiFetcher{s} }

// Stream returns the single-peer stream view of the suite.
func (s *Suite) Stream() transport.StreamFetcher { return streamFetcher{s} }

func waitBytes(ctx context.Context, lim *rate.Limiter, n int64) error {
	for n > 0 {
		chunk := n
		if chunk > int64(lim.Burst()) {
			chunk = int64(lim.Burst())
		}
		if err := lim.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func writeAll(fs afero.Fs, path string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

var (
	_ transport.ChunkFetcher = (*Suite)(nil)
	_ transport.Decryptor    = (*Suite)(nil)
	_ transport.Settler      = (*Suite)(nil)
)
