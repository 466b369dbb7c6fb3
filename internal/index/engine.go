// Package index ingests peer index messages into the folder state.
//
// Messages are applied one at a time in arrival order by a single worker.
// While the worker is busy, further messages are spilled to temporary
// storage and only decoded again when their turn comes, so a burst from a
// fast peer does not pile up in memory.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/alexjbarnes/bep-sync/internal/tempstore"
)

const (
	// DefaultBatchSize caps the records applied in one transaction.
	DefaultBatchSize = 1000

	// DefaultWaitTimeout bounds WaitForRemoteIndexAcquired when the caller
	// passes no timeout.
	DefaultWaitTimeout = 30 * time.Second
)

// Config holds the engine's policy values.
type Config struct {
	BatchSize   int
	WaitTimeout time.Duration
}

// job is one index message waiting to be applied. Exactly one of files
// and spillKey is set.
type job struct {
	from     protocol.DeviceID
	info     bep.ClusterConfigInfo
	folder   string
	files    []protocol.FileInfo
	spillKey string
	spilled  bool
	received time.Time
}

// Engine applies peer index messages to the state database and publishes
// the outcome on the event bus.
type Engine struct {
	state  *state.State
	temp   *tempstore.Store
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	queue []job
	busy  bool
	wake  chan struct{}
}

func New(st *state.State, temp *tempstore.Store, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	return &Engine{
		state:  st,
		temp:   temp,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// HandleIndex queues an Index or IndexUpdate message from a session. It
// checks up front that the peer's cluster config was processed for the
// folder, so a peer skipping that step loses its session.
func (e *Engine) HandleIndex(_ context.Context, from protocol.DeviceID, info bep.ClusterConfigInfo, folder string, files []protocol.FileInfo) error {
	if !info.IsShared(folder) {
		e.logger.Debug("ignoring index for folder not shared with peer",
			slog.String("device", from.Short()),
			slog.String("folder", folder),
		)

		return nil
	}

	ii, err := e.state.IndexInfo(folder, from)
	if err != nil {
		return fmt.Errorf("loading index info: %w", err)
	}

	if ii == nil {
		return missingIndexInfo(folder, from)
	}

	j := job{from: from, info: info, folder: folder, files: files, received: time.Now()}

	e.mu.Lock()
	idle := !e.busy && len(e.queue) == 0
	e.mu.Unlock()

	if !idle {
		j = e.spill(j)
	}

	e.mu.Lock()
	e.queue = append(e.queue, j)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	return nil
}

func missingIndexInfo(folder string, from protocol.DeviceID) error {
	return errors.Mark(
		errors.Protocolf("index for %s from %s before cluster config", folder, from.Short()),
		errors.ErrIntegrity,
	)
}

// spill moves a job's records to temporary storage. If that fails the job
// stays in memory.
func (e *Engine) spill(j job) job {
	data := (&protocol.IndexUpdate{Folder: j.folder, Files: j.files}).Marshal()

	key, err := e.temp.Push(data)
	if err != nil {
		e.logger.Warn("spilling index message failed, keeping it in memory",
			slog.String("folder", j.folder),
			slog.String("error", err.Error()),
		)

		return j
	}

	e.logger.Debug("index message spilled",
		slog.String("device", j.from.Short()),
		slog.String("folder", j.folder),
		slog.Int("files", len(j.files)),
		slog.Int("bytes", len(data)),
	)

	j.files = nil
	j.spillKey = key
	j.spilled = true

	return j
}

// load brings a spilled job's records back into memory.
func (e *Engine) load(j *job) error {
	if !j.spilled {
		return nil
	}

	data, err := e.temp.Pop(j.spillKey)
	if err != nil {
		return fmt.Errorf("reading spilled index message: %w", err)
	}

	var upd protocol.IndexUpdate
	if err := upd.Unmarshal(data); err != nil {
		return fmt.Errorf("decoding spilled index message: %w", err)
	}

	j.files = upd.Files
	j.spilled = false

	return nil
}

// Pending returns the number of queued messages not yet being applied.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.queue)
}

func (e *Engine) next() (job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		e.busy = false
		return job{}, false
	}

	j := e.queue[0]
	e.queue[0] = job{}
	e.queue = e.queue[1:]
	e.busy = true

	return j, true
}

// Run applies queued messages in order until ctx is cancelled. Messages
// rejected for integrity reasons are logged and skipped; storage failures
// stop the engine.
func (e *Engine) Run(ctx context.Context) error {
	defer e.discard()

	for {
		j, ok := e.next()
		if !ok {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := e.process(ctx, j); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.IsAny(err, errors.ErrIntegrity, errors.ErrProtocol) {
				e.logger.Error("index message rejected",
					slog.String("device", j.from.Short()),
					slog.String("folder", j.folder),
					slog.String("error", err.Error()),
				)

				continue
			}

			return fmt.Errorf("applying index for %s: %w", j.folder, err)
		}
	}
}

// discard drops what is still queued at shutdown. Peers resend from the
// stored sequence on the next connection.
func (e *Engine) discard() {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.busy = false
	e.mu.Unlock()

	var keys []string

	for _, j := range queue {
		if j.spilled {
			keys = append(keys, j.spillKey)
		}
	}

	e.temp.Delete(keys...)

	if len(queue) > 0 {
		e.logger.Info("discarded queued index messages", slog.Int("count", len(queue)))
	}
}

func (e *Engine) process(ctx context.Context, j job) error {
	if err := e.load(&j); err != nil {
		return err
	}

	files, maxSeq := dedupe(j.files)
	chunks := batches(files, e.cfg.BatchSize)

	for i, b := range chunks {
		var upTo int64
		if i == len(chunks)-1 {
			upTo = maxSeq
		}

		if err := e.apply(ctx, j.from, j.info, j.folder, b, upTo); err != nil {
			return err
		}
	}

	e.logger.Debug("index applied",
		slog.String("device", j.from.Short()),
		slog.String("folder", j.folder),
		slog.Int("files", len(j.files)),
		slog.Duration("queued", time.Since(j.received)),
	)

	return nil
}
