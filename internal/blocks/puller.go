package blocks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/tempstore"
	"golang.org/x/sync/errgroup"
)

// Pull policy defaults.
const (
	DefaultWorkers        = 4
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 300 * time.Millisecond
	DefaultRequestTimeout = 60 * time.Second
)

// Requester sends block requests to one peer. *bep.Session implements it.
type Requester interface {
	RemoteID() protocol.DeviceID
	Request(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// ConnectionSource lists the connected peers sharing a folder.
type ConnectionSource interface {
	Usable(folder string) []Requester
}

// RecordSource looks up the current record of a path.
type RecordSource interface {
	File(folder, path string) (*models.FileRecord, error)
}

// Progress is reported after every fetched block.
type Progress struct {
	// Downloaded counts bytes of distinct blocks fetched so far.
	Downloaded int64
	// Total is the byte size of all distinct blocks.
	Total int64
	// FileSize is the logical size of the file.
	FileSize int64
}

// Percent returns completion in the range 0 to 100.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}

	return float64(p.Downloaded) / float64(p.Total) * 100
}

// ProgressFunc receives pull progress. It is called from worker
// goroutines, one call at a time.
type ProgressFunc func(Progress)

// PullConfig holds the puller's policy values.
type PullConfig struct {
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	RequestTimeout time.Duration
}

func (c *PullConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Puller fetches file content from connected peers.
type Puller struct {
	conns   ConnectionSource
	records RecordSource
	temp    *tempstore.Store
	cfg     PullConfig
	logger  *slog.Logger
}

func NewPuller(conns ConnectionSource, records RecordSource, temp *tempstore.Store, cfg PullConfig, logger *slog.Logger) *Puller {
	cfg.defaults()

	return &Puller{conns: conns, records: records, temp: temp, cfg: cfg, logger: logger}
}

// Pull fetches the content of want's path and returns it as a stream in
// file order. The stored record is authoritative: if its hash differs
// from want's the pull fails. Closing the stream releases staged blocks.
func (p *Puller) Pull(ctx context.Context, want models.FileRecord, progress ProgressFunc) (io.ReadCloser, error) {
	rec, err := p.records.File(want.Folder, want.Path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", want.Path, err)
	}

	if rec == nil || rec.Deleted {
		return nil, fmt.Errorf("%s in %s: %w", want.Path, want.Folder, errors.ErrNotFound)
	}

	if len(want.Hash) > 0 && !bytes.Equal(rec.Hash, want.Hash) {
		return nil, errors.Integrityf("%s changed: stored hash differs from requested", want.Path)
	}

	if rec.Type != models.FileTypeFile {
		return nil, fmt.Errorf("%s is a %s, not a file", rec.Path, rec.Type)
	}

	if progress == nil {
		progress = func(Progress) {}
	}

	unique := distinct(rec.Blocks)

	var total int64
	for _, b := range unique {
		total += int64(b.Size)
	}

	if len(unique) == 0 {
		progress(Progress{FileSize: rec.Size})
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	pull := &pull{
		puller: p,
		rec:    rec,
		conns:  p.conns.Usable(rec.Folder),
		staged: make(map[string]string, len(unique)),
		total:  total,
		report: progress,
		logger: p.logger.With(slog.String("folder", rec.Folder), slog.String("path", rec.Path)),
	}

	if len(pull.conns) == 0 {
		return nil, errors.Mark(fmt.Errorf("no connected peer shares %s", rec.Folder), errors.ErrNoConnection)
	}

	if err := pull.run(ctx, unique); err != nil {
		p.temp.Delete(pull.keys()...)
		return nil, err
	}

	return &assembler{temp: p.temp, blocks: rec.Blocks, staged: pull.staged}, nil
}

// pull is the state of one Pull call.
type pull struct {
	puller *Puller
	rec    *models.FileRecord
	report ProgressFunc
	total  int64
	logger *slog.Logger

	mu         sync.Mutex
	conns      []Requester
	staged     map[string]string
	downloaded int64
}

func (p *pull) run(ctx context.Context, unique []models.Block) error {
	queue := make(chan models.Block)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)

		for _, b := range unique {
			select {
			case queue <- b:
			case <-gctx.Done():
				return nil
			}
		}

		return nil
	})

	for range p.puller.cfg.Workers {
		g.Go(func() error {
			for b := range queue {
				if err := p.fetch(gctx, b); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// pick returns a random usable connection.
func (p *pull) pick() Requester {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil
	}

	return p.conns[rand.IntN(len(p.conns))] //nolint:gosec // G404: load spreading only
}

// evict removes a connection from this pull's usable set.
func (p *pull) evict(c Requester) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, x := range p.conns {
		if x == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// fetch downloads, verifies and stages one block, retrying failed
// requests with growing pauses.
func (p *pull) fetch(ctx context.Context, b models.Block) error {
	cfg := p.puller.cfg

	var (
		lastErr  error
		lastConn Requester
	)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		conn := p.pick()
		if conn == nil {
			return errors.Mark(fmt.Errorf("no usable connection left for %s", p.rec.Path), errors.ErrNoConnection)
		}

		data, err := p.request(ctx, conn, b)
		if err == nil {
			if sum := sha256.Sum256(data); !bytes.Equal(sum[:], b.Hash) {
				return errors.Integrityf("block at %d of %s from %s failed verification", b.Offset, p.rec.Path, conn.RemoteID().Short())
			}

			return p.stage(b, data)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr, lastConn = err, conn

		p.logger.Warn("block request failed",
			slog.String("device", conn.RemoteID().Short()),
			slog.Int64("offset", b.Offset),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt == cfg.MaxAttempts {
			break
		}

		pause := cfg.BackoffBase * time.Duration(attempt*attempt)

		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.evict(lastConn)

	return fmt.Errorf("fetching block at %d of %s after %d attempts: %w", b.Offset, p.rec.Path, cfg.MaxAttempts, lastErr)
}

func (p *pull) request(ctx context.Context, conn Requester, b models.Block) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.puller.cfg.RequestTimeout)
	defer cancel()

	resp, err := conn.Request(ctx, &protocol.Request{
		Folder: p.rec.Folder,
		Name:   p.rec.Path,
		Offset: b.Offset,
		Size:   b.Size,
		Hash:   b.Hash,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Mark(err, errors.ErrTimeout)
		}

		return nil, err
	}

	switch resp.Code {
	case protocol.ErrorCodeNoError:
		return resp.Data, nil
	case protocol.ErrorCodeNoSuchFile:
		return nil, fmt.Errorf("peer has no %s: %w", p.rec.Path, errors.ErrNotFound)
	default:
		return nil, fmt.Errorf("peer answered %s for %s", resp.Code, p.rec.Path)
	}
}

func (p *pull) stage(b models.Block, data []byte) error {
	key, err := p.puller.temp.Push(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.staged[string(b.Hash)] = key
	p.downloaded += int64(b.Size)
	prog := Progress{Downloaded: p.downloaded, Total: p.total, FileSize: p.rec.Size}
	p.report(prog)
	p.mu.Unlock()

	return nil
}

func (p *pull) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.staged))
	for _, k := range p.staged {
		keys = append(keys, k)
	}

	return keys
}

// assembler streams staged blocks in file order.
type assembler struct {
	temp   *tempstore.Store
	blocks []models.Block
	staged map[string]string

	next   int
	cur    []byte
	closed bool
}

func (a *assembler) Read(p []byte) (int, error) {
	if a.closed {
		return 0, io.ErrClosedPipe
	}

	for len(a.cur) == 0 {
		if a.next >= len(a.blocks) {
			return 0, io.EOF
		}

		b := a.blocks[a.next]
		a.next++

		data, err := a.temp.Read(a.staged[string(b.Hash)])
		if err != nil {
			return 0, fmt.Errorf("reading staged block at %d: %w", b.Offset, err)
		}

		a.cur = data
	}

	n := copy(p, a.cur)
	a.cur = a.cur[n:]

	return n, nil
}

// Close deletes all staged blocks. It is safe to call more than once.
func (a *assembler) Close() error {
	if a.closed {
		return nil
	}

	a.closed = true
	a.cur = nil

	keys := make([]string, 0, len(a.staged))
	for _, k := range a.staged {
		keys = append(keys, k)
	}

	a.temp.Delete(keys...)

	return nil
}
