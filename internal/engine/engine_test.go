package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 20 * time.Second

// node is a device whose certificate exists before its engine, so peers
// can be configured with its id.
type node struct {
	dir string
	id  protocol.DeviceID
}

func newNode(t *testing.T) node {
	t.Helper()

	dir := t.TempDir()

	id, err := LocalDeviceID(dir)
	require.NoError(t, err)

	return node{dir: dir, id: id}
}

func (n node) options(name string) Options {
	return Options{
		StateDir:          n.dir,
		DeviceName:        name,
		ListenAddr:        "127.0.0.1:0",
		ReconnectInterval: time.Second,
		RetryInterval:     200 * time.Millisecond,
		Logger:            slog.New(slog.DiscardHandler),
	}
}

// start runs an engine until the test ends.
func start(t *testing.T, opts Options) *Engine {
	t.Helper()

	e, err := New(opts)
	require.NoError(t, err)

	run(t, e)

	return e
}

func run(t *testing.T, e *Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, e.Close())
	})
}

func address(e *Engine) string {
	return "tcp://" + e.Addr().String()
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}

func content(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + i/blocks.BlockSize)
	}

	return out
}

// pair starts a sender and a receiver sharing folder docs. The receiver
// binds docs to a directory and the sender dials it.
func pair(t *testing.T) (sender, receiver *Engine, dir string) {
	t.Helper()

	a, b := newNode(t), newNode(t)
	dir = t.TempDir()

	bopts := b.options("receiver")
	bopts.Peers = []Peer{{ID: a.id}}
	bopts.Folders = []Folder{{ID: "docs", Label: "Docs", Path: dir, Peers: []protocol.DeviceID{a.id}}}
	receiver = start(t, bopts)

	aopts := a.options("sender")
	aopts.Peers = []Peer{{ID: b.id, Addresses: []string{address(receiver)}}}
	aopts.Folders = []Folder{{ID: "docs", Label: "Docs", Peers: []protocol.DeviceID{b.id}}}
	sender = start(t, aopts)

	return sender, receiver, dir
}

func TestEngine_PushIsPulledByBoundPeer(t *testing.T) {
	for _, size := range []int{0, 1, 3*blocks.BlockSize + 1} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			ctx := testContext(t)
			sender, receiver, dir := pair(t)

			info, err := sender.AwaitReady(ctx, receiver.DeviceID())
			require.NoError(t, err)
			require.True(t, info.IsShared("docs"))

			data := content(size)

			up, err := sender.Push(ctx, receiver.DeviceID(), "docs", "notes/today.md", bytes.NewReader(data))
			require.NoError(t, err)
			require.NoError(t, up.Wait(ctx))
			assert.Equal(t, 100.0, up.Progress().Percent())
			require.NoError(t, up.Close())

			got, err := os.ReadFile(filepath.Join(dir, "notes", "today.md"))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestEngine_BlockHashesAgreeAcrossPeers(t *testing.T) {
	ctx := testContext(t)
	sender, receiver, dir := pair(t)

	_, err := sender.AwaitReady(ctx, receiver.DeviceID())
	require.NoError(t, err)

	data := content(300 << 10)

	up, err := sender.Push(ctx, receiver.DeviceID(), "docs", "big.bin", bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, up.Wait(ctx))
	require.NoError(t, up.Close())

	sent, err := sender.File("docs", "big.bin")
	require.NoError(t, err)
	require.NotNil(t, sent)

	received, err := receiver.File("docs", "big.bin")
	require.NoError(t, err)
	require.NotNil(t, received)

	require.Len(t, sent.Blocks, 3)
	assert.Equal(t, []int32{128 << 10, 128 << 10, 44 << 10}, []int32{sent.Blocks[0].Size, sent.Blocks[1].Size, sent.Blocks[2].Size})

	for i, b := range sent.Blocks {
		want := sha256.Sum256(data[b.Offset : b.Offset+int64(b.Size)])
		assert.Equal(t, want[:], b.Hash, "block %d", i)
		assert.Equal(t, b.Hash, received.Blocks[i].Hash, "block %d", i)
	}

	assert.Equal(t, sent.Hash, received.Hash)
	assert.Equal(t, blocks.HashOf(sent.Blocks), received.Hash)

	got, err := os.ReadFile(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEngine_PullFromPeer(t *testing.T) {
	ctx := testContext(t)
	sender, receiver, _ := pair(t)

	_, err := sender.AwaitReady(ctx, receiver.DeviceID())
	require.NoError(t, err)

	data := content(blocks.BlockSize + 10)

	up, err := sender.Push(ctx, receiver.DeviceID(), "docs", "a.txt", bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, up.Wait(ctx))

	rec, err := receiver.File("docs", "a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)

	var last blocks.Progress

	rc, err := receiver.Pull(ctx, *rec, func(p blocks.Progress) { last = p })
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, up.Close())

	assert.Equal(t, data, got)
	assert.Equal(t, 100.0, last.Percent())
}

func TestEngine_NewSharedFolderReconnectsOnce(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)

	aopts := a.options("owner")
	aopts.Peers = []Peer{{ID: b.id}}
	aopts.Folders = []Folder{{ID: "photos", Label: "Photos", Peers: []protocol.DeviceID{b.id}}}
	owner := start(t, aopts)

	bopts := b.options("guest")
	bopts.Peers = []Peer{{ID: a.id, Addresses: []string{address(owner)}}}
	guest := start(t, bopts)

	require.Eventually(t, func() bool {
		return slices.Contains(guest.Peers("photos"), a.id) && slices.Contains(owner.Peers("photos"), b.id)
	}, testTimeout, 20*time.Millisecond)

	folders, err := guest.Folders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "photos", folders[0].ID)
	assert.Equal(t, "Photos", folders[0].Label)
	assert.True(t, folders[0].IsWhitelisted(a.id))

	require.NoError(t, guest.WaitForRemoteIndexAcquired(ctx, a.id, testTimeout))

	st, err := guest.Status(a.id)
	require.NoError(t, err)
	assert.Equal(t, bep.Connected, st.State)
	assert.Equal(t, address(owner), st.Address)
}

func TestEngine_WaitForRemoteIndexAcquired(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)

	seedRecords(t, a.dir, "docs", "one.md", "two.md", "three.md")

	bopts := b.options("receiver")
	bopts.Peers = []Peer{{ID: a.id}}
	bopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{a.id}}}
	receiver := start(t, bopts)

	aopts := a.options("sender")
	aopts.Peers = []Peer{{ID: b.id, Addresses: []string{address(receiver)}}}
	aopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{b.id}}}
	sender := start(t, aopts)

	_, err := receiver.AwaitReady(ctx, sender.DeviceID())
	require.NoError(t, err)
	require.NoError(t, receiver.WaitForRemoteIndexAcquired(ctx, sender.DeviceID(), testTimeout))

	files, err := receiver.Files("docs")
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Path)
	}

	assert.ElementsMatch(t, []string{"one.md", "two.md", "three.md"}, names)

	stats, err := receiver.FolderStats("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Files)
	assert.Equal(t, int64(3*5), stats.Size)
}

// seedRecords stores records as if pushed in an earlier run.
func seedRecords(t *testing.T, dir, folder string, paths ...string) {
	t.Helper()

	st, err := state.Load(dir)
	require.NoError(t, err)

	err = st.Update(func(tx *state.Tx) error {
		for _, p := range paths {
			seq, err := tx.NextSequence(folder)
			if err != nil {
				return err
			}

			layout, err := blocks.Split(bytes.NewReader([]byte("hello")), func(models.Block, []byte) error { return nil })
			if err != nil {
				return err
			}

			rec := models.FileRecord{
				Folder:     folder,
				Path:       p,
				Size:       layout.Size,
				ModifiedS:  time.Now().Unix(),
				Version:    []protocol.Counter{{ID: 1, Value: uint64(seq)}},
				Sequence:   seq,
				BlockSize:  blocks.BlockSize,
				Hash:       layout.Hash,
				Blocks:     layout.Blocks,
				ModifiedBy: 1,
			}

			if err := tx.PutFile(rec); err != nil {
				return err
			}

			if _, err := tx.ApplyStatsDelta(rec.Contribution()); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestEngine_DeleteIsAnnounced(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)

	seedRecords(t, a.dir, "docs", "gone.md", "kept.md")

	bopts := b.options("receiver")
	bopts.Peers = []Peer{{ID: a.id}}
	bopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{a.id}}}
	receiver := start(t, bopts)

	aopts := a.options("sender")
	aopts.Peers = []Peer{{ID: b.id, Addresses: []string{address(receiver)}}}
	aopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{b.id}}}
	sender := start(t, aopts)

	_, err := receiver.AwaitReady(ctx, sender.DeviceID())
	require.NoError(t, err)
	require.NoError(t, receiver.WaitForRemoteIndexAcquired(ctx, sender.DeviceID(), testTimeout))

	_, err = sender.AwaitReady(ctx, receiver.DeviceID())
	require.NoError(t, err)
	require.NoError(t, sender.Delete(ctx, "docs", "gone.md"))

	local, err := sender.File("docs", "gone.md")
	require.NoError(t, err)
	require.True(t, local.Deleted)
	assert.Equal(t, uint64(1), protocol.Vector{Counters: local.Version}.Counter(a.id.ShortID()))

	require.Eventually(t, func() bool {
		rec, err := receiver.File("docs", "gone.md")
		return err == nil && rec != nil && rec.Deleted
	}, testTimeout, 20*time.Millisecond)

	stats, err := receiver.FolderStats("docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Files)

	// Deleting again changes nothing.
	require.NoError(t, sender.Delete(ctx, "docs", "gone.md"))

	again, err := sender.File("docs", "gone.md")
	require.NoError(t, err)
	assert.Equal(t, local.Sequence, again.Sequence)
}

func TestEngine_UnknownDevice(t *testing.T) {
	n := newNode(t)
	e := start(t, n.options("solo"))

	stranger := protocol.NewDeviceID([]byte("stranger"))

	_, err := e.Status(stranger)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = e.AwaitReady(context.Background(), stranger)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = e.Push(context.Background(), stranger, "docs", "a", bytes.NewReader(nil))
	assert.True(t, errors.Is(err, errors.ErrNoConnection))

	err = e.WaitForRemoteIndexAcquired(context.Background(), stranger, time.Second)
	assert.True(t, errors.Is(err, errors.ErrNoConnection))

	assert.Empty(t, e.Statuses())
	assert.Equal(t, n.id, e.DeviceID())
}

// brokenConnector fails every dial to one device with a local error.
type brokenConnector struct {
	bep.Connector
	broken protocol.DeviceID
}

func (c brokenConnector) Connect(ctx context.Context, addr models.DeviceAddress) (*bep.Session, error) {
	if addr.DeviceID == c.broken {
		return nil, fmt.Errorf("opening block cache: disk full")
	}

	return c.Connector.Connect(ctx, addr)
}

func TestEngine_FailedPeerDoesNotStopOthers(t *testing.T) {
	ctx := testContext(t)
	hub, good, bad := newNode(t), newNode(t), newNode(t)

	gopts := good.options("good")
	gopts.Peers = []Peer{{ID: hub.id}}
	gopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{hub.id}}}
	peer := start(t, gopts)

	hopts := hub.options("hub")
	hopts.Peers = []Peer{
		{ID: good.id, Addresses: []string{address(peer)}},
		{ID: bad.id, Addresses: []string{"tcp://127.0.0.1:9"}},
	}
	hopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{good.id, bad.id}}}

	e, err := New(hopts)
	require.NoError(t, err)

	e.connector = brokenConnector{Connector: e, broken: bad.id}
	run(t, e)

	require.Eventually(t, func() bool {
		st, err := e.Status(bad.id)
		return err == nil && st.Err != nil
	}, testTimeout, 10*time.Millisecond)

	_, err = e.AwaitReady(ctx, good.id)
	require.NoError(t, err)

	st, err := e.Status(bad.id)
	require.NoError(t, err)
	assert.Equal(t, bep.Disconnected, st.State)
	assert.ErrorContains(t, st.Err, "disk full")

	st, err = e.Status(good.id)
	require.NoError(t, err)
	assert.Equal(t, bep.Connected, st.State)
	assert.NoError(t, st.Err)

	statuses := e.Statuses()
	require.Len(t, statuses, 2)
}

func TestEngine_RejectsUnknownInboundDevice(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)

	server := start(t, a.options("server"))

	bopts := b.options("intruder")
	bopts.Peers = []Peer{{ID: a.id, Addresses: []string{address(server)}}}
	bopts.Folders = []Folder{{ID: "docs", Peers: []protocol.DeviceID{a.id}}}
	intruder := start(t, bopts)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := intruder.AwaitReady(waitCtx, a.id)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := intruder.Status(a.id)
	require.NoError(t, err)
	assert.NotEqual(t, bep.Connected, st.State)
}

func TestNew_StoresConfiguredFolders(t *testing.T) {
	n := newNode(t)
	peer := protocol.NewDeviceID([]byte("peer"))

	opts := n.options("cfg")
	opts.ListenAddr = ""
	opts.Peers = []Peer{{ID: peer, Addresses: []string{"tcp://127.0.0.1:1"}}, {ID: n.id}}
	opts.Folders = []Folder{{ID: "docs", Label: "Documents", Peers: []protocol.DeviceID{peer}}}

	e, err := New(opts)
	require.NoError(t, err)

	assert.Nil(t, e.Addr())
	assert.Equal(t, []protocol.DeviceID{peer}, e.PeerIDs())

	folders, err := e.Folders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Documents", folders[0].Label)
	assert.True(t, folders[0].IsWhitelisted(peer))

	st, err := e.Status(peer)
	require.NoError(t, err)
	assert.Equal(t, bep.Disconnected, st.State)

	require.NoError(t, e.Close())

	// Reopening keeps the device identity and the folder.
	again, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, n.id, again.DeviceID())

	folders, err = again.Folders()
	require.NoError(t, err)
	assert.Len(t, folders, 1)
	require.NoError(t, again.Close())
}

func TestNew_RequiresStateDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLocalDeviceID_MatchesEngine(t *testing.T) {
	n := newNode(t)

	e, err := New(n.options("a"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.Equal(t, n.id, e.DeviceID())
}
