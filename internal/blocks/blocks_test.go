package blocks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/alexjbarnes/bep-sync/internal/tempstore"
	"github.com/stretchr/testify/require"
)

var (
	localID = protocol.NewDeviceID([]byte("local-cert"))
	peerID  = protocol.NewDeviceID([]byte("peer-cert"))
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testTemp(t *testing.T) *tempstore.Store {
	t.Helper()

	temp, err := tempstore.New(t.TempDir())
	require.NoError(t, err)

	return temp
}

func testState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

// content returns n deterministic bytes.
func content(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/BlockSize)
	}

	return out
}

// recordFor builds the stored record of data without a pusher.
func recordFor(t *testing.T, folder, path string, data []byte) *models.FileRecord {
	t.Helper()

	layout, err := Split(bytes.NewReader(data), nil)
	require.NoError(t, err)

	return &models.FileRecord{
		Folder: folder,
		Path:   path,
		Type:   models.FileTypeFile,
		Size:   layout.Size,
		Hash:   layout.Hash,
		Blocks: layout.Blocks,
	}
}

// records is an in-memory RecordSource.
type records map[string]*models.FileRecord

func (r records) File(_, path string) (*models.FileRecord, error) {
	return r[path], nil
}

// conns is a fixed ConnectionSource.
type conns []Requester

func (c conns) Usable(string) []Requester { return c }

// contentPeer serves blocks of one file, optionally failing or corrupting.
type contentPeer struct {
	id   protocol.DeviceID
	data []byte

	mu sync.Mutex
	// failFirst fails that many requests; negative fails all of them.
	failFirst int
	failAt    map[int64]bool
	corrupt   bool
	hang      bool
	requests  []int64
}

func (p *contentPeer) RemoteID() protocol.DeviceID { return p.id }

func (p *contentPeer) Request(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req.Offset)
	hang := p.hang
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failAt[req.Offset] {
		return &protocol.Response{Code: protocol.ErrorCodeGeneric}, nil
	}

	if p.failFirst != 0 {
		if p.failFirst > 0 {
			p.failFirst--
		}

		return &protocol.Response{Code: protocol.ErrorCodeGeneric}, nil
	}

	end := min(req.Offset+int64(req.Size), int64(len(p.data)))
	out := bytes.Clone(p.data[req.Offset:end])

	if p.corrupt {
		out[0] ^= 0xff
	}

	return &protocol.Response{Data: out}, nil
}

func (p *contentPeer) Requests() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]int64(nil), p.requests...)
}

// registryPeer reaches a pusher's registry as the given device.
type registryPeer struct {
	remote protocol.DeviceID
	as     protocol.DeviceID
	reg    *bep.Registry
}

func (r registryPeer) RemoteID() protocol.DeviceID { return r.remote }

func (r registryPeer) Request(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return r.reg.HandleRequest(ctx, r.as, req), nil
}

// announcingPeer records index updates sent to it.
type announcingPeer struct {
	id protocol.DeviceID

	mu      sync.Mutex
	updates []*protocol.IndexUpdate
	err     error
}

func (p *announcingPeer) RemoteID() protocol.DeviceID { return p.id }

func (p *announcingPeer) SendIndexUpdate(_ context.Context, upd *protocol.IndexUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updates = append(p.updates, upd)

	return p.err
}

func (p *announcingPeer) last() *protocol.IndexUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.updates) == 0 {
		return nil
	}

	return p.updates[len(p.updates)-1]
}

func newBus() *events.Bus { return events.NewBus() }

func sum(data []byte) []byte {
	s := sha256.Sum256(data)
	return s[:]
}
