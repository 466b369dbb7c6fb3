package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"golang.org/x/text/unicode/norm"
)

// AwaitReady blocks until the peer has an active session and returns its
// negotiated folder sharing state.
func (e *Engine) AwaitReady(ctx context.Context, device protocol.DeviceID) (bep.ClusterConfigInfo, error) {
	if !e.isPeer(device) {
		return bep.ClusterConfigInfo{}, fmt.Errorf("device %s: %w", device.Short(), errors.ErrNotFound)
	}

	for {
		sess, err := e.pool.Wait(ctx, device)
		if err != nil {
			return bep.ClusterConfigInfo{}, err
		}

		info, err := sess.ConfirmConnected(ctx)
		if errors.Is(err, errors.ErrSessionClosed) && ctx.Err() == nil {
			continue
		}

		return info, err
	}
}

// Pull fetches the current content of a record from connected peers.
func (e *Engine) Pull(ctx context.Context, want models.FileRecord, progress blocks.ProgressFunc) (io.ReadCloser, error) {
	return e.puller.Pull(ctx, want, progress)
}

// Push offers data as the new content of folder/path to one peer.
func (e *Engine) Push(ctx context.Context, device protocol.DeviceID, folder, path string, r io.Reader) (*blocks.Upload, error) {
	return e.PushFile(ctx, device, blocks.PushRequest{Folder: folder, Path: path, Data: r})
}

// PushFile offers a push request to one peer. The peer must be connected
// and share the folder.
func (e *Engine) PushFile(ctx context.Context, device protocol.DeviceID, req blocks.PushRequest) (*blocks.Upload, error) {
	sess := e.pool.Get(device)
	if sess == nil || !sess.ClusterConfig().IsShared(req.Folder) {
		return nil, fmt.Errorf("pushing %s to %s: folder %s: %w", req.Path, device.Short(), req.Folder, errors.ErrNoConnection)
	}

	return e.pusher.Push(ctx, sess, req)
}

// Announce sends the stored record of a path to every connected peer
// sharing the folder.
func (e *Engine) Announce(ctx context.Context, folder, path string) error {
	rec, err := e.state.File(folder, norm.NFC.String(path))
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("announcing %s/%s: %w", folder, path, errors.ErrNotFound)
	}

	e.announce(ctx, folder, rec.Wire())

	return nil
}

// Delete records a local deletion of a path and announces it. Deleting
// a path without a live record is a no-op.
func (e *Engine) Delete(ctx context.Context, folder, path string) error {
	path = norm.NFC.String(path)

	var (
		rec   models.FileRecord
		stats models.FolderStats
		found bool
	)

	err := e.state.Update(func(tx *state.Tx) error {
		prev, err := tx.File(folder, path)
		if err != nil || prev == nil || prev.Deleted {
			return err
		}

		seq, err := tx.NextSequence(folder)
		if err != nil {
			return err
		}

		now := time.Now()
		version := protocol.Vector{Counters: prev.Version}

		rec = models.FileRecord{
			Folder:     folder,
			Path:       path,
			Type:       prev.Type,
			Deleted:    true,
			ModifiedS:  now.Unix(),
			ModifiedNs: int32(now.Nanosecond()),
			ModifiedBy: e.device.ShortID(),
			Version:    version.Update(e.device.ShortID()).Counters,
			Sequence:   seq,
		}

		if err := tx.PutFile(rec); err != nil {
			return err
		}

		delta := rec.Contribution()
		delta.Sub(prev.Contribution())
		delta.LastUpdate = now

		stats, err = tx.ApplyStatsDelta(delta)
		found = true

		return err
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", folder, path, err)
	}

	if !found {
		return nil
	}

	if err := e.bus.FolderStatsUpdated.Publish(ctx, events.FolderStatsUpdated{Stats: stats}); err != nil {
		return err
	}

	e.logger.Info("local delete recorded",
		slog.String("folder", folder),
		slog.String("path", path),
		slog.Int64("sequence", rec.Sequence),
	)

	e.announce(ctx, folder, rec.Wire())

	return nil
}

// WaitForRemoteIndexAcquired blocks until every folder shared with the
// peer has its announced index fully ingested. A non-positive timeout
// uses the index engine's default.
func (e *Engine) WaitForRemoteIndexAcquired(ctx context.Context, device protocol.DeviceID, timeout time.Duration) error {
	sess := e.pool.Get(device)
	if sess == nil {
		return fmt.Errorf("waiting for index of %s: %w", device.Short(), errors.ErrNoConnection)
	}

	return e.index.WaitForRemoteIndexAcquired(ctx, device, sess.ClusterConfig().SharedFolderIDs(), timeout)
}

// Status reports the connection state of a configured peer.
func (e *Engine) Status(device protocol.DeviceID) (bep.Status, error) {
	if !e.isPeer(device) {
		return bep.Status{}, fmt.Errorf("device %s: %w", device.Short(), errors.ErrNotFound)
	}

	if sup := e.supervisor(device); sup != nil {
		return sup.Status(), nil
	}

	return bep.Status{Device: device, State: bep.Disconnected}, nil
}

// Statuses reports every configured peer ordered by device id.
func (e *Engine) Statuses() []bep.Status {
	out := make([]bep.Status, 0, len(e.peers))

	for _, id := range e.PeerIDs() {
		st, err := e.Status(id)
		if err == nil {
			out = append(out, st)
		}
	}

	return out
}

// PeerIDs returns the configured peers ordered by device id.
func (e *Engine) PeerIDs() []protocol.DeviceID {
	out := make([]protocol.DeviceID, 0, len(e.peers))
	for id := range e.peers {
		out = append(out, id)
	}

	slices.SortFunc(out, protocol.DeviceID.Compare)

	return out
}

// Peers returns the connected peers sharing a folder.
func (e *Engine) Peers(folder string) []protocol.DeviceID {
	sessions := e.pool.Usable(folder)

	out := make([]protocol.DeviceID, len(sessions))
	for i, s := range sessions {
		out[i] = s.RemoteID()
	}

	return out
}

// Folders lists every known folder, configured or shared by a peer.
func (e *Engine) Folders() ([]models.FolderInfo, error) {
	return e.state.Folders()
}

// FolderStats returns the aggregate statistics of a folder.
func (e *Engine) FolderStats(folder string) (models.FolderStats, error) {
	return e.state.Stats(folder)
}

// Files lists the records of a folder, deleted ones included.
func (e *Engine) Files(folder string) ([]models.FileRecord, error) {
	return e.state.Files(folder)
}

// File returns the record of a path, or nil.
func (e *Engine) File(folder, path string) (*models.FileRecord, error) {
	return e.state.File(folder, norm.NFC.String(path))
}

func (e *Engine) isPeer(device protocol.DeviceID) bool {
	_, ok := e.peers[device]
	return ok
}
