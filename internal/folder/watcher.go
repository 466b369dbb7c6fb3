package folder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often settled events are flushed.
	debounceInterval = 500 * time.Millisecond
	// settleTime is how long a path must be quiet before it is pushed.
	settleTime = 300 * time.Millisecond
	// uploadTimeout bounds how long a push waits for the peer.
	uploadTimeout = 10 * time.Minute
)

type localChange struct {
	abs      string
	isDelete bool
}

// watch pushes local changes to every connected peer sharing the folder.
// Changes made while no peer is connected are queued until one is.
func (b *Binding) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := b.addRecursive(watcher, b.dir.Root()); err != nil {
		return fmt.Errorf("watching %s: %w", b.dir.Root(), err)
	}

	pending := make(map[string]time.Time)
	queued := make(map[string]localChange)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if b.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() {
						_ = b.addRecursive(watcher, event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
				b.handleChange(ctx, localChange{abs: event.Name, isDelete: true}, queued)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			b.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if len(queued) > 0 && len(b.xfer.Peers(b.cfg.Folder)) > 0 {
				b.logger.Info("pushing queued changes", slog.Int("count", len(queued)))

				changes := make([]localChange, 0, len(queued))
				for _, ch := range queued {
					changes = append(changes, ch)
				}

				clear(queued)

				for _, ch := range changes {
					b.handleChange(ctx, ch, queued)
				}
			}

			now := time.Now()
			for abs, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, abs)
				b.handleChange(ctx, localChange{abs: abs}, queued)
			}
		}
	}
}

func (b *Binding) handleChange(ctx context.Context, ch localChange, queued map[string]localChange) {
	rel, err := b.dir.Rel(ch.abs)
	if err != nil {
		b.logger.Warn("computing folder path", slog.String("error", err.Error()))
		return
	}

	if len(b.xfer.Peers(b.cfg.Folder)) == 0 {
		queued[ch.abs] = ch
		b.logger.Debug("queued local change (no peers)", slog.String("path", rel))

		return
	}

	if ch.isDelete {
		b.pushDelete(ctx, rel)
	} else {
		b.pushWrite(ctx, rel)
	}
}

func (b *Binding) pushDelete(ctx context.Context, rel string) {
	if _, err := b.dir.Stat(rel); err == nil {
		return
	}

	rec, err := b.xfer.File(b.cfg.Folder, rel)
	if err != nil || rec == nil || rec.Deleted {
		return
	}

	b.cache.forget(rel)

	if err := b.xfer.Delete(ctx, b.cfg.Folder, rel); err != nil {
		b.logger.Warn("announcing delete failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	b.logger.Info("local delete announced", slog.String("path", rel))
}

func (b *Binding) pushWrite(ctx context.Context, rel string) {
	info, err := b.dir.Stat(rel)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("stat failed", slog.String("path", rel), slog.String("error", err.Error()))
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	hash, err := b.localHash(rel)
	if err != nil {
		b.logger.Warn("hashing local file", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	if b.cache.matches(rel, hash) {
		return
	}

	if rec, err := b.xfer.File(b.cfg.Folder, rel); err == nil && rec != nil && !rec.Deleted && rec.SameContent(hash) {
		b.cache.set(rel, hash)
		return
	}

	pushed := false

	for _, device := range b.xfer.Peers(b.cfg.Folder) {
		if err := b.pushTo(ctx, device, rel, info); err != nil {
			b.logger.Warn("push failed",
				slog.String("device", device.Short()),
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)

			continue
		}

		pushed = true
	}

	if pushed {
		b.cache.set(rel, hash)
	}
}

func (b *Binding) pushTo(ctx context.Context, device protocol.DeviceID, rel string, info os.FileInfo) error {
	key := uploadKey{device: device, path: rel}

	b.mu.Lock()
	prev := b.uploads[key]
	b.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	f, err := b.dir.Open(rel)
	if err != nil {
		return err
	}
	defer f.Close()

	u, err := b.xfer.PushFile(ctx, device, blocks.PushRequest{
		Folder:      b.cfg.Folder,
		Path:        rel,
		Data:        f,
		ModTime:     info.ModTime(),
		Permissions: uint32(info.Mode().Perm()),
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.uploads[key] = u
	b.mu.Unlock()

	go b.finish(ctx, key, u)

	return nil
}

// finish closes an upload once the peer has the file or the wait times out.
func (b *Binding) finish(ctx context.Context, key uploadKey, u *blocks.Upload) {
	wctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	if err := u.Wait(wctx); err != nil && ctx.Err() == nil {
		b.logger.Warn("push not confirmed",
			slog.String("device", key.device.Short()),
			slog.String("path", key.path),
			slog.String("error", err.Error()),
		)
	}

	_ = u.Close()

	b.mu.Lock()
	if b.uploads[key] == u {
		delete(b.uploads, key)
	}
	b.mu.Unlock()
}

func (b *Binding) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != b.dir.Root() && b.shouldIgnore(path) {
			return filepath.SkipDir
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

func (b *Binding) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
