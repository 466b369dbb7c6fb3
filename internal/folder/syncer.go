package folder

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
)

func (b *Binding) enqueueStored() error {
	recs, err := b.xfer.Files(b.cfg.Folder)
	if err != nil {
		return fmt.Errorf("listing %s: %w", b.cfg.Folder, err)
	}

	paths := make([]string, 0, len(recs))
	for i := range recs {
		paths = append(paths, recs[i].Path)
	}

	b.enqueue(paths...)

	return nil
}

func (b *Binding) enqueue(paths ...string) {
	if len(paths) == 0 {
		return
	}

	b.mu.Lock()
	for _, p := range paths {
		b.pending[p] = struct{}{}
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// receive turns acquired records into pending paths. It never blocks on
// transfers so the index engine is not held up.
func (b *Binding) receive(ctx context.Context, sub *events.Subscription[events.RecordsAcquired]) error {
	for {
		select {
		case ev := <-sub.C:
			if ev.Folder != b.cfg.Folder {
				continue
			}

			paths := make([]string, 0, len(ev.Records))
			for i := range ev.Records {
				paths = append(paths, ev.Records[i].Path)
			}

			b.enqueue(paths...)

		case <-ctx.Done():
			return nil
		}
	}
}

// applyLoop processes pending paths one at a time. Failed paths are
// retried every interval.
func (b *Binding) applyLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.RetryInterval)
	defer ticker.Stop()

	var failed []string

	for {
		select {
		case <-b.wake:
		case <-ticker.C:
			b.enqueue(failed...)
			failed = nil

			continue
		case <-ctx.Done():
			return nil
		}

		b.mu.Lock()
		paths := make([]string, 0, len(b.pending))
		for p := range b.pending {
			paths = append(paths, p)
		}
		clear(b.pending)
		b.mu.Unlock()

		for _, p := range paths {
			if ctx.Err() != nil {
				return nil
			}

			if err := b.apply(ctx, p); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				level := slog.LevelWarn
				if errors.Is(err, errors.ErrNoConnection) {
					level = slog.LevelDebug
				}

				b.logger.Log(ctx, level, "sync failed, will retry", slog.String("path", p), slog.String("error", err.Error()))
				failed = append(failed, p)
			}
		}
	}
}

// apply brings the local copy of path in line with its stored record.
func (b *Binding) apply(ctx context.Context, path string) error {
	rec, err := b.xfer.File(b.cfg.Folder, path)
	if err != nil {
		return err
	}

	if rec == nil {
		return nil
	}

	switch {
	case rec.Deleted:
		return b.applyDelete(rec)
	case rec.Type == models.FileTypeDirectory:
		return b.dir.MkdirAll(rec.Path)
	case rec.Type == models.FileTypeSymlink:
		b.logger.Debug("symlink not materialized", slog.String("path", rec.Path))
		return nil
	default:
		return b.applyFile(ctx, rec)
	}
}

func (b *Binding) applyDelete(rec *models.FileRecord) error {
	info, err := b.dir.Stat(rec.Path)
	if os.IsNotExist(err) {
		b.cache.forget(rec.Path)
		return nil
	}

	if err != nil {
		return err
	}

	if info.ModTime().After(rec.ModTime()) {
		b.logger.Info("keeping locally modified file over remote delete", slog.String("path", rec.Path))
		return nil
	}

	b.cache.forget(rec.Path)

	if err := b.dir.Remove(rec.Path); err != nil {
		return err
	}

	b.logger.Info("removed deleted file", slog.String("path", rec.Path))

	return nil
}

func (b *Binding) applyFile(ctx context.Context, rec *models.FileRecord) error {
	if b.cache.matches(rec.Path, rec.Hash) {
		return nil
	}

	info, err := b.dir.Stat(rec.Path)

	switch {
	case err == nil && info.Mode().IsRegular():
		hash, herr := b.localHash(rec.Path)
		if herr != nil {
			return herr
		}

		if rec.SameContent(hash) {
			b.cache.set(rec.Path, hash)
			return nil
		}

		if info.ModTime().After(rec.ModTime()) {
			b.logger.Debug("local copy is newer, not pulling", slog.String("path", rec.Path))
			return nil
		}

	case err == nil:
		return fmt.Errorf("%s exists and is not a regular file", rec.Path)

	case !os.IsNotExist(err):
		return err
	}

	start := time.Now()

	r, err := b.xfer.Pull(ctx, *rec, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	perm := fs.FileMode(rec.Permissions).Perm()
	if err := b.dir.WriteAtomic(rec.Path, r, rec.ModTime(), perm); err != nil {
		return err
	}

	b.cache.set(rec.Path, rec.Hash)

	b.logger.Info("pulled file",
		slog.String("path", rec.Path),
		slog.Int64("bytes", rec.Size),
		slog.Duration("took", time.Since(start)),
	)

	if err := b.xfer.Announce(ctx, b.cfg.Folder, rec.Path); err != nil {
		b.logger.Warn("announcing pulled file failed", slog.String("path", rec.Path), slog.String("error", err.Error()))
	}

	return nil
}

// localHash returns the whole-file hash of the local copy.
func (b *Binding) localHash(path string) ([]byte, error) {
	f, err := b.dir.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	layout, err := blocks.Split(f, nil)
	if err != nil {
		return nil, err
	}

	return layout.Hash, nil
}
