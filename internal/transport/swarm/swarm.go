// Package swarm streams content from a BitTorrent swarm. The task's
// content hash is interpreted as a btih infohash; peers come from the
// usual tracker and DHT machinery, so the engine's source addresses are
// only a hint here.
package swarm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"

	"peerfetch/internal/transport"
)

type Config struct {
	DataDir        string
	Trackers       []string
	StatusInterval time.Duration
	Logger         *logrus.Logger
}

// Fetcher is a transport.StreamFetcher backed by a shared torrent
// client. One client serves every transfer; each Start adds a torrent
// and drops it when the transfer ends.
type Fetcher struct {
	cfg    Config
	client *torrent.Client
}

func NewFetcher(cfg Config) (*Fetcher, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.Trackers) == 0 {
		cfg.Trackers = defaultTrackers()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create swarm data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.Seed = false

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	return &Fetcher{cfg: cfg, client: client}, nil
}

func (f *Fetcher) Close() {
	f.client.Close()
}

// Start begins a swarm download and reports cumulative byte progress on
// a ticker until the torrent has no missing bytes.
func (f *Fetcher) Start(ctx context.Context, req transport.Request, sink transport.Sink) (transport.Handle, error) {
	t, err := f.client.AddMagnet(fmt.Sprintf("magnet:?xt=urn:btih:%s", req.ContentHash))
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	for _, tracker := range f.cfg.Trackers {
		t.AddTrackers([][]string{{tracker}})
	}

	ctx, cancel := context.WithCancel(ctx)
	go f.watch(ctx, t, req, sink)

	return transport.HandleFunc(func() {
		cancel()
		t.Drop()
	}), nil
}

func (f *Fetcher) watch(ctx context.Context, t *torrent.Torrent, req transport.Request, sink transport.Sink) {
	logger := f.cfg.Logger.WithField("task_id", req.TaskID)
	defer t.Drop()

	select {
	case <-ctx.Done():
		logger.Info("swarm transfer canceled before metadata")
		return
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		sink.Deliver(transport.Failed{Task: req.TaskID, Reason: "missing torrent info"})
		return
	}
	t.DownloadAll()

	ticker := time.NewTicker(f.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("swarm transfer canceled")
			return
		case <-ticker.C:
			sink.Deliver(transport.ByteProgress{
				Task:          req.TaskID,
				ReceivedBytes: t.BytesCompleted(),
			})
			if t.BytesMissing() == 0 {
				if err := f.deliver(info.BestName(), req.OutputPath); err != nil {
					sink.Deliver(transport.Failed{Task: req.TaskID, Reason: err.Error()})
					return
				}
				sink.Deliver(transport.Done{Task: req.TaskID, RootRef: req.ContentHash})
				return
			}
		}
	}
}

// deliver moves the completed payload from the client data dir to the
// confirmed destination, falling back to a copy across filesystems.
func (f *Fetcher) deliver(name, outputPath string) error {
	src := filepath.Join(f.cfg.DataDir, name)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(src, outputPath); err == nil {
		return nil
	}
	return copyFile(src, outputPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	return out.Close()
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ transport.StreamFetcher = (*Fetcher)(nil)
