package blocks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/alexjbarnes/bep-sync/internal/tempstore"
	"golang.org/x/text/unicode/norm"
)

// Peer is the receiving side of a push. *bep.Session implements it.
type Peer interface {
	RemoteID() protocol.DeviceID
	SendIndexUpdate(ctx context.Context, upd *protocol.IndexUpdate) error
}

// Registrar installs request handlers. *bep.Registry implements it.
type Registrar interface {
	Register(f bep.RequestFilter, h bep.RequestHandlerFunc) (func(), error)
}

// PushRequest describes content to offer to a peer.
type PushRequest struct {
	Folder string
	Path   string
	Data   io.Reader
	// ModTime defaults to now.
	ModTime time.Time
	// Permissions defaults to 0644.
	Permissions uint32
}

// Pusher offers local content to peers.
type Pusher struct {
	local    protocol.DeviceID
	state    *state.State
	temp     *tempstore.Store
	registry Registrar
	bus      *events.Bus
	logger   *slog.Logger
}

func NewPusher(local protocol.DeviceID, st *state.State, temp *tempstore.Store, registry Registrar, bus *events.Bus, logger *slog.Logger) *Pusher {
	return &Pusher{local: local, state: st, temp: temp, registry: registry, bus: bus, logger: logger}
}

// Push stages req.Data, records it as the folder's new version of the
// path, serves its blocks to peer and announces it with an index update.
// The returned upload completes when the peer's own index lists the path
// with the same content hash. Cancelling ctx aborts the upload.
func (p *Pusher) Push(ctx context.Context, peer Peer, req PushRequest) (*Upload, error) {
	req.Path = norm.NFC.String(req.Path)

	u := &Upload{
		pusher: p,
		peer:   peer.RemoteID(),
		folder: req.Folder,
		path:   req.Path,
		staged: make(map[string]string),
		served: make(map[string]struct{}),
		done:   make(chan struct{}),
		close:  make(chan struct{}),
		logger: p.logger.With(
			slog.String("device", peer.RemoteID().Short()),
			slog.String("folder", req.Folder),
			slog.String("path", req.Path),
		),
	}

	layout, err := Split(req.Data, func(b models.Block, data []byte) error {
		if _, ok := u.staged[string(b.Hash)]; ok {
			return nil
		}

		key, err := p.temp.Push(data)
		if err != nil {
			return err
		}

		u.staged[string(b.Hash)] = key

		return nil
	})
	if err != nil {
		u.release()
		return nil, err
	}

	u.layout = layout
	u.byOffset = make(map[int64]models.Block, len(layout.Blocks))

	for _, b := range layout.Blocks {
		u.byOffset[b.Offset] = b
	}

	unregister, err := p.registry.Register(bep.RequestFilter{Device: u.peer, Folder: req.Folder, Path: req.Path}, u.serve)
	if err != nil {
		u.release()
		return nil, err
	}

	u.unregister = unregister

	rec, err := p.record(req, layout)
	if err != nil {
		u.release()
		return nil, err
	}

	u.rec = rec

	// Subscribe before announcing so the peer's answer cannot be missed.
	u.sub = p.bus.RecordsAcquired.Subscribe()

	if err := peer.SendIndexUpdate(ctx, &protocol.IndexUpdate{Folder: req.Folder, Files: []protocol.FileInfo{rec.Wire()}}); err != nil {
		u.release()
		return nil, fmt.Errorf("announcing %s: %w", req.Path, err)
	}

	u.logger.Info("push started",
		slog.Int64("bytes", layout.Size),
		slog.Int("blocks", len(layout.Blocks)),
		slog.Int64("sequence", rec.Sequence),
	)

	go u.watch(ctx)

	return u, nil
}

// record stores the pushed version of the path: the previous version
// vector bumped for this device and a fresh local sequence.
func (p *Pusher) record(req PushRequest, layout Layout) (models.FileRecord, error) {
	modTime := req.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	perms := req.Permissions
	if perms == 0 {
		perms = 0o644
	}

	var rec models.FileRecord

	err := p.state.Update(func(tx *state.Tx) error {
		prev, err := tx.File(req.Folder, req.Path)
		if err != nil {
			return err
		}

		var version protocol.Vector
		if prev != nil {
			version.Counters = prev.Version
		}

		seq, err := tx.NextSequence(req.Folder)
		if err != nil {
			return err
		}

		rec = models.FileRecord{
			Folder:      req.Folder,
			Path:        req.Path,
			Type:        models.FileTypeFile,
			Size:        layout.Size,
			Permissions: perms,
			ModifiedS:   modTime.Unix(),
			ModifiedNs:  int32(modTime.Nanosecond()),
			ModifiedBy:  p.local.ShortID(),
			Version:     version.Update(p.local.ShortID()).Counters,
			Sequence:    seq,
			BlockSize:   BlockSize,
			Hash:        layout.Hash,
			Blocks:      layout.Blocks,
		}

		if err := tx.PutFile(rec); err != nil {
			return err
		}

		delta := rec.Contribution()
		if prev != nil {
			delta.Sub(prev.Contribution())
		}

		delta.LastUpdate = time.Now()

		_, err = tx.ApplyStatsDelta(delta)

		return err
	})
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("recording %s: %w", req.Path, err)
	}

	return rec, nil
}

// UploadProgress counts distinct blocks served to the peer.
type UploadProgress struct {
	Served   int
	Total    int
	Complete bool
}

// Percent is capped at 99 until the peer confirms the file.
func (p UploadProgress) Percent() float64 {
	if p.Complete {
		return 100
	}

	if p.Total == 0 {
		return 99
	}

	return min(float64(p.Served)/float64(p.Total)*100, 99)
}

// Upload observes one push.
type Upload struct {
	pusher *Pusher
	peer   protocol.DeviceID
	folder string
	path   string
	layout Layout
	rec    models.FileRecord
	logger *slog.Logger

	byOffset   map[int64]models.Block
	staged     map[string]string
	unregister func()
	sub        *events.Subscription[events.RecordsAcquired]

	mu       sync.Mutex
	served   map[string]struct{}
	complete bool
	err      error

	done      chan struct{}
	close     chan struct{}
	closeOnce sync.Once
}

// Record returns the record that was announced.
func (u *Upload) Record() models.FileRecord { return u.rec }

// Progress returns the current progress.
func (u *Upload) Progress() UploadProgress {
	u.mu.Lock()
	defer u.mu.Unlock()

	return UploadProgress{Served: len(u.served), Total: len(u.staged), Complete: u.complete}
}

// Done is closed when the upload completed, failed or was closed.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Err returns why the upload ended without completing, or nil.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.err
}

// Wait blocks until the peer confirms the file or the upload ends.
func (u *Upload) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return u.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops serving the content and reports the folder's statistics as
// stored. It waits for cleanup and is safe to call more than once.
func (u *Upload) Close() error {
	u.closeOnce.Do(func() { close(u.close) })
	<-u.done

	stats, err := u.pusher.state.Stats(u.folder)
	if err != nil {
		return err
	}

	if rec, err := u.pusher.state.File(u.folder, u.path); err == nil && rec != nil && !bytes.Equal(rec.Hash, u.rec.Hash) {
		u.logger.Info("path changed since push", slog.Int64("sequence", rec.Sequence))
	}

	return u.pusher.bus.FolderStatsUpdated.Publish(context.Background(), events.FolderStatsUpdated{Stats: stats})
}

// serve answers a block request from the peer.
func (u *Upload) serve(_ context.Context, req *protocol.Request) ([]byte, error) {
	b, ok := u.byOffset[req.Offset]
	if !ok || (req.Size != 0 && req.Size != b.Size) {
		return nil, fmt.Errorf("no block at %d size %d: %w", req.Offset, req.Size, errors.ErrNotFound)
	}

	if len(req.Hash) > 0 && !bytes.Equal(req.Hash, b.Hash) {
		return nil, errors.Integrityf("block at %d has a different hash", req.Offset)
	}

	data, err := u.pusher.temp.Read(u.staged[string(b.Hash)])
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.served[string(b.Hash)] = struct{}{}
	u.mu.Unlock()

	return data, nil
}

// watch waits for the peer's index to show the pushed content.
func (u *Upload) watch(ctx context.Context) {
	var err error

	defer func() {
		u.mu.Lock()
		u.err = err
		u.mu.Unlock()

		u.release()
		close(u.done)
	}()

	for {
		select {
		case ev := <-u.sub.C:
			if u.confirms(ev) {
				u.mu.Lock()
				u.complete = true
				u.mu.Unlock()

				u.logger.Info("push complete")

				return
			}

		case <-u.close:
			err = errors.Mark(fmt.Errorf("upload of %s closed before completion", u.path), errors.ErrSessionClosed)
			return

		case <-ctx.Done():
			err = ctx.Err()
			return
		}
	}
}

func (u *Upload) confirms(ev events.RecordsAcquired) bool {
	if ev.Device != u.peer || ev.Folder != u.folder {
		return false
	}

	for i := range ev.Records {
		if ev.Records[i].Path == u.path && ev.Records[i].SameContent(u.rec.Hash) {
			return true
		}
	}

	return false
}

// release unregisters the handler, drops staged blocks and ends the
// subscription.
func (u *Upload) release() {
	if u.unregister != nil {
		u.unregister()
	}

	if u.sub != nil {
		u.sub.Close()
	}

	keys := make([]string, 0, len(u.staged))
	for _, k := range u.staged {
		keys = append(keys, k)
	}

	u.pusher.temp.Delete(keys...)
}
