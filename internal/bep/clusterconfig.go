package bep

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
)

// FolderShare is the negotiated state of one folder on a connection.
type FolderShare struct {
	Folder string
	Label  string

	// Announced is set when the peer listed the folder.
	Announced bool

	// Shared is set when the peer listed this device among the folder's
	// devices.
	Shared bool

	// Whitelisted is set when sync with the peer is enabled locally.
	Whitelisted bool

	// AckedIndexID and AckedSequence are what the peer reports holding of
	// this device's index.
	AckedIndexID  uint64
	AckedSequence int64
}

// ClusterConfigInfo is the immutable result of a cluster config exchange.
type ClusterConfigInfo struct {
	folders map[string]FolderShare
}

// NewClusterConfigInfo builds an info value from folder shares.
func NewClusterConfigInfo(shares ...FolderShare) ClusterConfigInfo {
	m := make(map[string]FolderShare, len(shares))
	for _, s := range shares {
		m[s.Folder] = s
	}

	return ClusterConfigInfo{folders: m}
}

// Folder returns the share state of a folder.
func (c ClusterConfigInfo) Folder(id string) (FolderShare, bool) {
	f, ok := c.folders[id]
	return f, ok
}

// Folders returns every known folder ordered by id.
func (c ClusterConfigInfo) Folders() []FolderShare {
	out := make([]FolderShare, 0, len(c.folders))
	for _, f := range c.folders {
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })

	return out
}

// IsShared reports whether the folder is both announced by the peer and
// whitelisted locally.
func (c ClusterConfigInfo) IsShared(folder string) bool {
	f, ok := c.folders[folder]
	return ok && f.Announced && f.Whitelisted
}

// SharedFolderIDs returns the folders for which IsShared holds, sorted.
func (c ClusterConfigInfo) SharedFolderIDs() []string {
	var out []string

	for id := range c.folders {
		if c.IsShared(id) {
			out = append(out, id)
		}
	}

	sort.Strings(out)

	return out
}

// Negotiator builds the local cluster config for a peer and reconciles the
// peer's cluster config with stored folder and index state.
type Negotiator struct {
	state     *state.State
	local     protocol.DeviceID
	localName string
	logger    *slog.Logger
}

func NewNegotiator(st *state.State, local protocol.DeviceID, localName string, logger *slog.Logger) *Negotiator {
	return &Negotiator{state: st, local: local, localName: localName, logger: logger}
}

// BuildClusterConfig lists every folder whitelisted for remote, with this
// device's index id and sequence and what is known of the peer's index.
func (n *Negotiator) BuildClusterConfig(remote protocol.DeviceID) (*protocol.ClusterConfig, error) {
	cc := &protocol.ClusterConfig{}

	err := n.state.Update(func(tx *state.Tx) error {
		folders, err := tx.Folders()
		if err != nil {
			return err
		}

		for _, f := range folders {
			if !f.IsWhitelisted(remote) {
				continue
			}

			indexID, err := tx.LocalIndexID(f.ID)
			if err != nil {
				return err
			}

			self := protocol.Device{
				ID:          n.local,
				Name:        n.localName,
				IndexID:     indexID,
				MaxSequence: tx.Sequence(f.ID),
			}

			peer := protocol.Device{ID: remote}

			ii, err := tx.IndexInfo(f.ID, remote)
			if err != nil {
				return err
			}

			if ii != nil {
				peer.IndexID = ii.IndexID
				peer.MaxSequence = ii.LocalSequence
			}

			cc.Folders = append(cc.Folders, protocol.Folder{
				ID:      f.ID,
				Label:   f.Label,
				Devices: []protocol.Device{self, peer},
			})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("building cluster config: %w", err)
	}

	return cc, nil
}

// ApplyClusterConfig records the peer's announcement in one transaction.
// A folder shared with this device that is unknown locally is created
// with the peer whitelisted and reported as newly shared. A known folder
// shared with this device by a device that is in no list gets that device
// blacklisted. Whitelisted folders get their index progress entry
// created or refreshed.
func (n *Negotiator) ApplyClusterConfig(remote protocol.DeviceID, cc *protocol.ClusterConfig) (ClusterConfigInfo, []string, error) {
	var (
		shares []FolderShare
		newly  []string
	)

	err := n.state.Update(func(tx *state.Tx) error {
		shares, newly = nil, nil
		announced := make(map[string]struct{}, len(cc.Folders))

		for i := range cc.Folders {
			f := &cc.Folders[i]
			announced[f.ID] = struct{}{}

			self, sharedWithUs := f.Device(n.local)

			info, err := tx.Folder(f.ID)
			if err != nil {
				return err
			}

			switch {
			case info == nil && sharedWithUs:
				info = &models.FolderInfo{ID: f.ID, Label: f.Label}
				info.AllowDevice(remote)

				if err := tx.PutFolder(*info); err != nil {
					return err
				}

				newly = append(newly, f.ID)

				n.logger.Info("new folder shared by peer",
					slog.String("folder", f.ID),
					slog.String("label", f.Label),
					slog.String("device", remote.Short()),
				)
			case info != nil && sharedWithUs && !info.IsWhitelisted(remote) && !info.IsBlacklisted(remote) && !info.IsIgnored(remote):
				info.BlockDevice(remote)

				if err := tx.PutFolder(*info); err != nil {
					return err
				}

				n.logger.Info("peer announced folder, sync not enabled",
					slog.String("folder", f.ID),
					slog.String("device", remote.Short()),
				)
			}

			share := FolderShare{
				Folder:        f.ID,
				Label:         f.Label,
				Announced:     true,
				Shared:        sharedWithUs,
				AckedIndexID:  self.IndexID,
				AckedSequence: self.MaxSequence,
			}
			if info != nil {
				share.Whitelisted = info.IsWhitelisted(remote)
			}

			if share.Whitelisted {
				if err := n.refreshIndexInfo(tx, f, remote); err != nil {
					return err
				}
			}

			shares = append(shares, share)
		}

		folders, err := tx.Folders()
		if err != nil {
			return err
		}

		for _, f := range folders {
			if _, ok := announced[f.ID]; ok || !f.IsWhitelisted(remote) {
				continue
			}

			shares = append(shares, FolderShare{Folder: f.ID, Label: f.Label, Whitelisted: true})
		}

		return nil
	})
	if err != nil {
		return ClusterConfigInfo{}, nil, fmt.Errorf("applying cluster config: %w", err)
	}

	return NewClusterConfigInfo(shares...), newly, nil
}

func (n *Negotiator) refreshIndexInfo(tx *state.Tx, f *protocol.Folder, remote protocol.DeviceID) error {
	announced, _ := f.Device(remote)

	ii, err := tx.IndexInfo(f.ID, remote)
	if err != nil {
		return err
	}

	switch {
	case ii == nil:
		ii = &models.IndexInfo{Folder: f.ID, DeviceID: remote, IndexID: announced.IndexID}
	case ii.IndexID != announced.IndexID:
		n.logger.Info("peer index reset",
			slog.String("folder", f.ID),
			slog.String("device", remote.Short()),
			slog.Int64("previous_sequence", ii.LocalSequence),
		)

		ii.IndexID = announced.IndexID
		ii.LocalSequence = 0
	}

	ii.MaxSequence = max(announced.MaxSequence, ii.LocalSequence)

	return tx.PutIndexInfo(*ii)
}
