package folder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// DefaultRetryInterval is how often failed pulls are retried.
const DefaultRetryInterval = 30 * time.Second

// Transfers is the engine surface a binding needs. *engine.Engine
// implements it.
type Transfers interface {
	File(folder, path string) (*models.FileRecord, error)
	Files(folder string) ([]models.FileRecord, error)
	Pull(ctx context.Context, want models.FileRecord, progress blocks.ProgressFunc) (io.ReadCloser, error)
	Announce(ctx context.Context, folder, path string) error
	PushFile(ctx context.Context, device protocol.DeviceID, req blocks.PushRequest) (*blocks.Upload, error)
	Delete(ctx context.Context, folder, path string) error
	Peers(folder string) []protocol.DeviceID
}

// Config describes one bound folder.
type Config struct {
	Folder string
	// Path is the absolute local directory.
	Path string
	// Watch enables pushing local changes.
	Watch         bool
	RetryInterval time.Duration
}

// Binding keeps a local directory in step with a shared folder.
type Binding struct {
	cfg    Config
	dir    *Dir
	xfer   Transfers
	bus    *events.Bus
	cache  *hashCache
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
	uploads map[uploadKey]*blocks.Upload
}

type uploadKey struct {
	device protocol.DeviceID
	path   string
}

func New(cfg Config, xfer Transfers, bus *events.Bus, logger *slog.Logger) (*Binding, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	dir, err := NewDir(cfg.Path)
	if err != nil {
		return nil, err
	}

	return &Binding{
		cfg:     cfg,
		dir:     dir,
		xfer:    xfer,
		bus:     bus,
		cache:   newHashCache(),
		logger:  logger.With(slog.String("folder", cfg.Folder)),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		uploads: make(map[uploadKey]*blocks.Upload),
	}, nil
}

// Dir returns the bound directory.
func (b *Binding) Dir() *Dir { return b.dir }

// Run syncs until ctx is cancelled. Stored records are reconciled first,
// then every record acquired from a peer.
func (b *Binding) Run(ctx context.Context) error {
	sub := b.bus.RecordsAcquired.Subscribe()
	defer sub.Close()

	if err := b.enqueueStored(); err != nil {
		return err
	}

	b.logger.Info("folder binding started", slog.String("dir", b.dir.Root()), slog.Bool("watch", b.cfg.Watch))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.receive(gctx, sub) })
	g.Go(func() error { return b.applyLoop(gctx) })

	if b.cfg.Watch {
		g.Go(func() error { return b.watch(gctx) })
	}

	err := g.Wait()

	b.closeUploads()

	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (b *Binding) closeUploads() {
	b.mu.Lock()
	uploads := make([]*blocks.Upload, 0, len(b.uploads))
	for _, u := range b.uploads {
		uploads = append(uploads, u)
	}
	b.mu.Unlock()

	for _, u := range uploads {
		_ = u.Close()
	}
}
