package folder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/alexjbarnes/bep-sync/internal/tempstore"
	"github.com/stretchr/testify/require"
)

const testFolder = "docs"

var (
	localID = protocol.NewDeviceID([]byte("local-cert"))
	peerID  = protocol.NewDeviceID([]byte("peer-cert"))
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// remoteRecord describes content a peer announced.
func remoteRecord(t *testing.T, path string, data []byte, mtime time.Time) *models.FileRecord {
	t.Helper()

	layout, err := blocks.Split(bytes.NewReader(data), nil)
	require.NoError(t, err)

	return &models.FileRecord{
		Folder:      testFolder,
		Path:        path,
		Type:        models.FileTypeFile,
		Size:        layout.Size,
		Permissions: 0o640,
		ModifiedS:   mtime.Unix(),
		ModifiedNs:  int32(mtime.Nanosecond()),
		Hash:        layout.Hash,
		Blocks:      layout.Blocks,
	}
}

type pushCall struct {
	device protocol.DeviceID
	path   string
	data   []byte
}

// nullPeer accepts index updates without answering.
type nullPeer struct{ id protocol.DeviceID }

func (p nullPeer) RemoteID() protocol.DeviceID { return p.id }

func (nullPeer) SendIndexUpdate(context.Context, *protocol.IndexUpdate) error { return nil }

// fakeTransfers serves records and content from memory. Pushes go through
// a real pusher so uploads behave as in production.
type fakeTransfers struct {
	pusher *blocks.Pusher

	mu        sync.Mutex
	records   map[string]*models.FileRecord
	content   map[string][]byte
	peers     []protocol.DeviceID
	pullErr   error
	pulls     []string
	announced []string
	deleted   []string
	pushes    []pushCall
}

func newFakeTransfers(t *testing.T, bus *events.Bus) *fakeTransfers {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	temp, err := tempstore.New(t.TempDir())
	require.NoError(t, err)

	registry := bep.NewRegistry(nil, testLogger())

	return &fakeTransfers{
		pusher:  blocks.NewPusher(localID, st, temp, registry, bus, testLogger()),
		records: make(map[string]*models.FileRecord),
		content: make(map[string][]byte),
	}
}

func (f *fakeTransfers) put(rec *models.FileRecord, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.records[rec.Path] = rec
	f.content[rec.Path] = data
}

func (f *fakeTransfers) setPeers(peers ...protocol.DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.peers = peers
}

func (f *fakeTransfers) File(_, path string) (*models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.records[path], nil
}

func (f *fakeTransfers) Files(string) ([]models.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.FileRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, *r)
	}

	return out, nil
}

func (f *fakeTransfers) Pull(_ context.Context, want models.FileRecord, _ blocks.ProgressFunc) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls = append(f.pulls, want.Path)

	if f.pullErr != nil {
		return nil, f.pullErr
	}

	data, ok := f.content[want.Path]
	if !ok {
		return nil, errors.ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeTransfers) Announce(_ context.Context, _, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.announced = append(f.announced, path)

	return nil
}

func (f *fakeTransfers) PushFile(ctx context.Context, device protocol.DeviceID, req blocks.PushRequest) (*blocks.Upload, error) {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.pushes = append(f.pushes, pushCall{device: device, path: req.Path, data: data})
	f.mu.Unlock()

	req.Data = bytes.NewReader(data)

	return f.pusher.Push(ctx, nullPeer{id: device}, req)
}

func (f *fakeTransfers) Delete(_ context.Context, _, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, path)

	return nil
}

func (f *fakeTransfers) Peers(string) []protocol.DeviceID {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]protocol.DeviceID(nil), f.peers...)
}

func (f *fakeTransfers) snapshot() (pulls, announced, deleted []string, pushes []pushCall) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.pulls...),
		append([]string(nil), f.announced...),
		append([]string(nil), f.deleted...),
		append([]pushCall(nil), f.pushes...)
}

type fixture struct {
	dir     string
	bus     *events.Bus
	xfer    *fakeTransfers
	binding *Binding
}

func newFixture(t *testing.T, watch bool) *fixture {
	t.Helper()

	dir := t.TempDir()
	bus := events.NewBus()
	xfer := newFakeTransfers(t, bus)

	b, err := New(Config{Folder: testFolder, Path: dir, Watch: watch, RetryInterval: 100 * time.Millisecond}, xfer, bus, testLogger())
	require.NoError(t, err)

	return &fixture{dir: b.Dir().Root(), bus: bus, xfer: xfer, binding: b}
}

// run starts the binding and stops it when the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- f.binding.Run(ctx) }()

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
}

func (f *fixture) write(t *testing.T, rel string, data []byte) {
	t.Helper()

	abs := filepath.Join(f.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))
}

func (f *fixture) read(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(rel)))
}
