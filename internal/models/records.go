// Package models holds the durable records shared by storage, the index
// engine and the block transfer components.
package models

import (
	"bytes"
	"slices"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

// FolderInfo is the local configuration of a shared folder. Whitelist
// holds devices sync is enabled with, Blacklist devices that announced the
// folder without being enabled, and Ignored devices whose exclusion the
// user acknowledged. A device is in at most one list.
type FolderInfo struct {
	ID        string              `json:"id"`
	Label     string              `json:"label"`
	Whitelist []protocol.DeviceID `json:"whitelist,omitempty"`
	Blacklist []protocol.DeviceID `json:"blacklist,omitempty"`
	Ignored   []protocol.DeviceID `json:"ignored,omitempty"`
}

// IsWhitelisted reports whether sync with the device is enabled.
func (f *FolderInfo) IsWhitelisted(id protocol.DeviceID) bool {
	return slices.Contains(f.Whitelist, id)
}

// IsBlacklisted reports whether the device was seen announcing the folder
// but sync with it is disabled.
func (f *FolderInfo) IsBlacklisted(id protocol.DeviceID) bool {
	return slices.Contains(f.Blacklist, id)
}

// IsIgnored reports whether the user acknowledged the device's exclusion.
func (f *FolderInfo) IsIgnored(id protocol.DeviceID) bool {
	return slices.Contains(f.Ignored, id)
}

// AllowDevice enables sync with the device, removing it from the other
// lists.
func (f *FolderInfo) AllowDevice(id protocol.DeviceID) {
	f.Blacklist = without(f.Blacklist, id)
	f.Ignored = without(f.Ignored, id)

	if !f.IsWhitelisted(id) {
		f.Whitelist = append(f.Whitelist, id)
	}
}

// BlockDevice records the device as known but not synced with. It is a
// no-op for devices already in any list.
func (f *FolderInfo) BlockDevice(id protocol.DeviceID) {
	if f.IsWhitelisted(id) || f.IsBlacklisted(id) || f.IsIgnored(id) {
		return
	}

	f.Blacklist = append(f.Blacklist, id)
}

// IgnoreDevice records that the user does not want to sync with the
// device, removing it from the other lists.
func (f *FolderInfo) IgnoreDevice(id protocol.DeviceID) {
	f.Whitelist = without(f.Whitelist, id)
	f.Blacklist = without(f.Blacklist, id)

	if !f.IsIgnored(id) {
		f.Ignored = append(f.Ignored, id)
	}
}

func without(ids []protocol.DeviceID, id protocol.DeviceID) []protocol.DeviceID {
	return slices.DeleteFunc(ids, func(d protocol.DeviceID) bool { return d == id })
}

// IndexInfo tracks how much of a peer's index for a folder has been
// ingested. LocalSequence never decreases except on an index id reset.
type IndexInfo struct {
	Folder        string            `json:"folder"`
	DeviceID      protocol.DeviceID `json:"device_id"`
	IndexID       uint64            `json:"index_id"`
	LocalSequence int64             `json:"local_sequence"`
	MaxSequence   int64             `json:"max_sequence"`
}

// Acquired reports whether everything the peer announced has been ingested.
func (i IndexInfo) Acquired() bool {
	return i.LocalSequence >= i.MaxSequence
}

// FileType is the kind of entry a record describes.
type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDirectory
	FileTypeSymlink
)

func (t FileType) String() string {
	switch t {
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "file"
	}
}

// Block is one fixed-size block of a file's content.
type Block struct {
	Offset int64  `json:"offset"`
	Size   int32  `json:"size"`
	Hash   []byte `json:"hash"`
}

// FileRecord is the stored metadata of one path in a folder together with
// its ordered block list.
type FileRecord struct {
	Folder        string             `json:"folder"`
	Path          string             `json:"path"`
	Type          FileType           `json:"type"`
	Size          int64              `json:"size"`
	Deleted       bool               `json:"deleted"`
	Permissions   uint32             `json:"permissions,omitempty"`
	ModifiedS     int64              `json:"modified_s"`
	ModifiedNs    int32              `json:"modified_ns"`
	ModifiedBy    uint64             `json:"modified_by,omitempty"`
	Version       []protocol.Counter `json:"version,omitempty"`
	Sequence      int64              `json:"sequence"`
	BlockSize     int32              `json:"block_size,omitempty"`
	Hash          []byte             `json:"hash,omitempty"`
	Blocks        []Block            `json:"blocks,omitempty"`
	SymlinkTarget string             `json:"symlink_target,omitempty"`
}

// ModTime returns the last modification time.
func (r *FileRecord) ModTime() time.Time {
	return time.Unix(r.ModifiedS, int64(r.ModifiedNs))
}

func (r *FileRecord) IsDirectory() bool { return r.Type == FileTypeDirectory }

// SameContent reports whether two records carry the same content hash.
func (r *FileRecord) SameContent(hash []byte) bool {
	return len(r.Hash) > 0 && bytes.Equal(r.Hash, hash)
}

// Contribution returns the record's share of its folder's statistics.
// Deleted records contribute nothing.
func (r *FileRecord) Contribution() StatsDelta {
	d := StatsDelta{Folder: r.Folder}

	switch {
	case r.Deleted:
	case r.Type == FileTypeDirectory:
		d.Dirs = 1
	default:
		d.Files = 1
		d.Size = r.Size
	}

	return d
}

// FileRecordFromWire converts an index entry into a stored record.
func FileRecordFromWire(folder string, fi *protocol.FileInfo) FileRecord {
	rec := FileRecord{
		Folder:        folder,
		Path:          fi.Name,
		Size:          fi.Size,
		Deleted:       fi.Deleted,
		Permissions:   fi.Permissions,
		ModifiedS:     fi.ModifiedS,
		ModifiedNs:    fi.ModifiedNs,
		ModifiedBy:    fi.ModifiedBy,
		Version:       slices.Clone(fi.Version.Counters),
		Sequence:      fi.Sequence,
		BlockSize:     fi.BlockSize,
		Hash:          fi.BlocksHash,
		SymlinkTarget: fi.SymlinkTarget,
	}

	switch {
	case fi.IsSymlink():
		rec.Type = FileTypeSymlink
	case fi.IsDirectory():
		rec.Type = FileTypeDirectory
	default:
		rec.Type = FileTypeFile
	}

	if len(fi.Blocks) > 0 {
		rec.Blocks = make([]Block, len(fi.Blocks))
		for i, b := range fi.Blocks {
			rec.Blocks[i] = Block{Offset: b.Offset, Size: b.Size, Hash: b.Hash}
		}
	}

	if len(rec.Hash) == 0 && len(fi.Blocks) > 0 {
		rec.Hash = protocol.HashBlocks(fi.Blocks)
	}

	return rec
}

// Wire converts the record back into an index entry.
func (r *FileRecord) Wire() protocol.FileInfo {
	fi := protocol.FileInfo{
		Name:          r.Path,
		Size:          r.Size,
		Deleted:       r.Deleted,
		Permissions:   r.Permissions,
		ModifiedS:     r.ModifiedS,
		ModifiedNs:    r.ModifiedNs,
		ModifiedBy:    r.ModifiedBy,
		Version:       protocol.Vector{Counters: slices.Clone(r.Version)},
		Sequence:      r.Sequence,
		BlockSize:     r.BlockSize,
		BlocksHash:    r.Hash,
		SymlinkTarget: r.SymlinkTarget,
	}

	switch r.Type {
	case FileTypeDirectory:
		fi.Type = protocol.FileInfoTypeDirectory
	case FileTypeSymlink:
		fi.Type = protocol.FileInfoTypeSymlink
	default:
		fi.Type = protocol.FileInfoTypeFile
	}

	if len(r.Blocks) > 0 {
		fi.Blocks = make([]protocol.BlockInfo, len(r.Blocks))
		for i, b := range r.Blocks {
			fi.Blocks[i] = protocol.BlockInfo{Offset: b.Offset, Size: b.Size, Hash: b.Hash}
		}
	}

	return fi
}

// FolderStats aggregates the live records of a folder.
type FolderStats struct {
	Folder     string    `json:"folder"`
	Files      int64     `json:"files"`
	Dirs       int64     `json:"dirs"`
	Size       int64     `json:"size"`
	LastUpdate time.Time `json:"last_update"`
}

// StatsDelta is a signed change to a folder's statistics.
type StatsDelta struct {
	Folder     string
	Files      int64
	Dirs       int64
	Size       int64
	LastUpdate time.Time
}

// Add accumulates another delta.
func (d *StatsDelta) Add(o StatsDelta) {
	d.Files += o.Files
	d.Dirs += o.Dirs
	d.Size += o.Size

	if o.LastUpdate.After(d.LastUpdate) {
		d.LastUpdate = o.LastUpdate
	}
}

// Sub removes another delta.
func (d *StatsDelta) Sub(o StatsDelta) {
	d.Files -= o.Files
	d.Dirs -= o.Dirs
	d.Size -= o.Size
}

// IsZero reports whether the delta changes no counter.
func (d StatsDelta) IsZero() bool {
	return d.Files == 0 && d.Dirs == 0 && d.Size == 0
}

// Apply adds a delta to the stats.
func (s *FolderStats) Apply(d StatsDelta) {
	s.Files += d.Files
	s.Dirs += d.Dirs
	s.Size += d.Size

	if d.LastUpdate.After(s.LastUpdate) {
		s.LastUpdate = d.LastUpdate
	}
}

// Producer tags where a discovered address came from.
type Producer string

const (
	ProducerLocal  Producer = "local"
	ProducerGlobal Producer = "global"
)

// DeviceAddress is one candidate address for reaching a device. Lower
// scores are better.
type DeviceAddress struct {
	DeviceID protocol.DeviceID `json:"device_id"`
	Address  string            `json:"address"`
	Producer Producer          `json:"producer"`
	Score    int               `json:"score"`
}
