package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"golang.org/x/text/unicode/norm"
)

// dedupe keeps one record per path: the newest by modification time, the
// highest sequence among equal times. The result is in sequence order.
// maxSeq is the highest sequence seen, including dropped duplicates.
func dedupe(files []protocol.FileInfo) (out []protocol.FileInfo, maxSeq int64) {
	byPath := make(map[string]int, len(files))

	for i := range files {
		f := files[i]
		f.Name = norm.NFC.String(f.Name)
		maxSeq = max(maxSeq, f.Sequence)

		idx, seen := byPath[f.Name]
		if !seen {
			byPath[f.Name] = len(out)
			out = append(out, f)

			continue
		}

		if newer(&f, &out[idx]) {
			out[idx] = f
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out, maxSeq
}

func newer(a, b *protocol.FileInfo) bool {
	at, bt := a.ModTime(), b.ModTime()
	if !at.Equal(bt) {
		return at.After(bt)
	}

	return a.Sequence > b.Sequence
}

// batches splits files into chunks of at most size. An empty input yields
// one empty chunk so progress is still recorded.
func batches(files []protocol.FileInfo, size int) [][]protocol.FileInfo {
	if len(files) == 0 {
		return [][]protocol.FileInfo{nil}
	}

	var out [][]protocol.FileInfo
	for len(files) > size {
		out = append(out, files[:size:size])
		files = files[size:]
	}

	return append(out, files)
}

// applyResult is what one committed batch changed.
type applyResult struct {
	records      []models.FileRecord
	indexInfo    models.IndexInfo
	stats        models.FolderStats
	statsChanged bool
	acquired     bool
}

// apply merges one batch in a single transaction and publishes the result.
// A record replaces the stored one unless the stored one is strictly newer
// or identical.
// The peer's local sequence advances to the highest sequence in the batch,
// or upTo if higher, whether or not the records won the merge.
func (e *Engine) apply(ctx context.Context, from protocol.DeviceID, info bep.ClusterConfigInfo, folder string, files []protocol.FileInfo, upTo int64) error {
	var res applyResult

	err := e.state.Update(func(tx *state.Tx) error {
		res = applyResult{}

		ii, err := tx.IndexInfo(folder, from)
		if err != nil {
			return err
		}

		if ii == nil {
			return missingIndexInfo(folder, from)
		}

		delta := models.StatsDelta{Folder: folder}
		changed := false
		seq := upTo

		for i := range files {
			fi := &files[i]
			seq = max(seq, fi.Sequence)

			rec := models.FileRecordFromWire(folder, fi)

			meta, exists := tx.FileMeta(folder, rec.Path)
			if exists && meta.ModTime().After(rec.ModTime()) {
				continue
			}

			// Already stored: reported as acquired without a new local
			// sequence, so records do not bounce between peers.
			if exists && meta.Matches(&rec) {
				rec.Sequence = meta.Sequence
				res.records = append(res.records, rec)

				continue
			}

			local, err := tx.NextSequence(folder)
			if err != nil {
				return err
			}

			rec.Sequence = local

			if err := tx.PutFile(rec); err != nil {
				return fmt.Errorf("storing %s: %w", rec.Path, err)
			}

			delta.Add(rec.Contribution())

			if exists {
				delta.Sub(meta.Contribution(folder))
			}

			changed = true

			res.records = append(res.records, rec)
		}

		if changed {
			delta.LastUpdate = time.Now()

			res.stats, err = tx.ApplyStatsDelta(delta)
			if err != nil {
				return err
			}

			res.statsChanged = true
		}

		ii.LocalSequence = max(ii.LocalSequence, seq)
		ii.MaxSequence = max(ii.MaxSequence, ii.LocalSequence)

		if err := tx.PutIndexInfo(*ii); err != nil {
			return err
		}

		res.indexInfo = *ii

		res.acquired, err = acquired(tx, from, info.SharedFolderIDs())

		return err
	})
	if err != nil {
		return err
	}

	return e.publish(ctx, from, folder, res)
}

func (e *Engine) publish(ctx context.Context, from protocol.DeviceID, folder string, res applyResult) error {
	if len(res.records) > 0 {
		e.logger.Debug("records acquired",
			slog.String("device", from.Short()),
			slog.String("folder", folder),
			slog.Int("records", len(res.records)),
			slog.Int64("sequence", res.indexInfo.LocalSequence),
		)

		err := e.bus.RecordsAcquired.Publish(ctx, events.RecordsAcquired{
			Folder:    folder,
			Device:    from,
			Records:   res.records,
			IndexInfo: res.indexInfo,
		})
		if err != nil {
			return err
		}
	}

	if res.statsChanged {
		if err := e.bus.FolderStatsUpdated.Publish(ctx, events.FolderStatsUpdated{Stats: res.stats}); err != nil {
			return err
		}
	}

	if res.acquired {
		e.logger.Info("remote index acquired",
			slog.String("device", from.Short()),
			slog.String("folder", folder),
		)

		return e.bus.FullIndexAcquired.Publish(ctx, events.FullIndexAcquired{Device: from, Folder: folder})
	}

	return nil
}

// acquired reports whether every listed folder's index from the device
// has been ingested up to the announced sequence.
func acquired(tx *state.Tx, device protocol.DeviceID, folders []string) (bool, error) {
	for _, folder := range folders {
		ii, err := tx.IndexInfo(folder, device)
		if err != nil {
			return false, err
		}

		if ii == nil || !ii.Acquired() {
			return false, nil
		}
	}

	return true, nil
}
