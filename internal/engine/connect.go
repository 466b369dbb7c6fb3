package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/index"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
)

// Connect dials addr and sends this device's index for every shared
// folder. It implements bep.Connector for the peer supervisors. A session
// that created new folders is returned without indexes; the supervisor
// replaces it right away.
func (e *Engine) Connect(ctx context.Context, addr models.DeviceAddress) (*bep.Session, error) {
	sess, err := e.dialer.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	if len(sess.NewlyShared()) > 0 {
		return sess, nil
	}

	if err := e.sendIndexes(ctx, sess); err != nil {
		sess.Close()
		return nil, err
	}

	return sess, nil
}

// accept sets up an inbound session and hands it to the peer's
// supervisor. When the exchange created new folders the session is
// closed so that the peer reconnects with them in both cluster configs.
func (e *Engine) accept(ctx context.Context, raw net.Conn) {
	sess, err := e.dialer.Accept(ctx, raw)
	if err != nil {
		level := slog.LevelWarn
		if ctx.Err() != nil {
			level = slog.LevelDebug
		}

		e.logger.Log(ctx, level, "inbound connection rejected",
			slog.String("address", raw.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)

		return
	}

	logger := e.logger.With(slog.String("device", sess.RemoteID().Short()))

	if newly := sess.NewlyShared(); len(newly) > 0 {
		logger.Info("closing inbound session to include new folders", slog.Any("folders", newly))
		sess.Close()

		return
	}

	sup := e.supervisor(sess.RemoteID())
	if sup == nil {
		sess.Close()
		return
	}

	if err := e.sendIndexes(ctx, sess); err != nil {
		logger.Warn("sending index failed", slog.String("error", err.Error()))
		sess.Close()

		return
	}

	sup.Adopt(ctx, sess)
}

// sendIndexes sends, per shared folder, the records the peer has not
// acknowledged. A peer holding a different index id gets the full index.
// An empty Index is still sent so the peer can mark this device's index
// as acquired.
func (e *Engine) sendIndexes(ctx context.Context, sess *bep.Session) error {
	for _, share := range sess.ClusterConfig().Folders() {
		if !share.Announced || !share.Whitelisted {
			continue
		}

		files, err := e.unacknowledged(share)
		if err != nil {
			return err
		}

		if err := e.sendFolderIndex(ctx, sess, share.Folder, files); err != nil {
			return fmt.Errorf("sending index of %s to %s: %w", share.Folder, sess.RemoteID().Short(), err)
		}

		e.logger.Debug("index sent",
			slog.String("device", sess.RemoteID().Short()),
			slog.String("folder", share.Folder),
			slog.Int("records", len(files)),
		)
	}

	return nil
}

func (e *Engine) unacknowledged(share bep.FolderShare) ([]protocol.FileInfo, error) {
	var files []protocol.FileInfo

	err := e.state.View(func(tx *state.Tx) error {
		indexID, err := tx.LocalIndexID(share.Folder)
		if err != nil {
			return err
		}

		since := share.AckedSequence
		if indexID == 0 || share.AckedIndexID != indexID {
			since = 0
		}

		return tx.ForEachFile(share.Folder, func(rec models.FileRecord) error {
			if rec.Sequence > since {
				files = append(files, rec.Wire())
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading index of %s: %w", share.Folder, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })

	return files, nil
}

// sendFolderIndex sends the first batch as an Index and the rest as
// index updates.
func (e *Engine) sendFolderIndex(ctx context.Context, sess *bep.Session, folder string, files []protocol.FileInfo) error {
	size := e.opts.Index.BatchSize
	if size <= 0 {
		size = index.DefaultBatchSize
	}

	first := files[:min(size, len(files))]
	if err := sess.SendIndex(ctx, &protocol.Index{Folder: folder, Files: first}); err != nil {
		return err
	}

	for rest := files[len(first):]; len(rest) > 0; {
		n := min(size, len(rest))
		if err := sess.SendIndexUpdate(ctx, &protocol.IndexUpdate{Folder: folder, Files: rest[:n]}); err != nil {
			return err
		}

		rest = rest[n:]
	}

	return nil
}

// announce sends records to every connected peer sharing the folder.
// Failures are logged; a peer that misses an update gets it with the
// next full exchange on reconnect.
func (e *Engine) announce(ctx context.Context, folder string, files ...protocol.FileInfo) int {
	sent := 0

	for _, sess := range e.pool.Usable(folder) {
		err := sess.SendIndexUpdate(ctx, &protocol.IndexUpdate{Folder: folder, Files: files})
		if err != nil {
			level := slog.LevelWarn
			if errors.IsExpected(err) {
				level = slog.LevelDebug
			}

			e.logger.Log(ctx, level, "announcing records failed",
				slog.String("device", sess.RemoteID().Short()),
				slog.String("folder", folder),
				slog.String("error", err.Error()),
			)

			continue
		}

		sent++
	}

	return sent
}
