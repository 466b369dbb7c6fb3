package bep

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testDevice(seed string) protocol.DeviceID {
	return protocol.NewDeviceID([]byte(seed))
}

func testState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

// staticClusterConfig answers the exchange with fixed values.
type staticClusterConfig struct {
	info  ClusterConfigInfo
	newly []string
	err   error
}

func (s staticClusterConfig) BuildClusterConfig(protocol.DeviceID) (*protocol.ClusterConfig, error) {
	return &protocol.ClusterConfig{}, nil
}

func (s staticClusterConfig) ApplyClusterConfig(protocol.DeviceID, *protocol.ClusterConfig) (ClusterConfigInfo, []string, error) {
	return s.info, s.newly, s.err
}

type indexCall struct {
	from   protocol.DeviceID
	folder string
	files  []protocol.FileInfo
}

// recordingIndex captures index messages.
type recordingIndex struct {
	calls chan indexCall
	err   error
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{calls: make(chan indexCall, 16)}
}

func (r *recordingIndex) HandleIndex(_ context.Context, from protocol.DeviceID, _ ClusterConfigInfo, folder string, files []protocol.FileInfo) error {
	r.calls <- indexCall{from: from, folder: folder, files: files}
	return r.err
}

// requestFunc adapts a function to RequestHandler.
type requestFunc func(ctx context.Context, from protocol.DeviceID, req *protocol.Request) *protocol.Response

func (f requestFunc) HandleRequest(ctx context.Context, from protocol.DeviceID, req *protocol.Request) *protocol.Response {
	return f(ctx, from, req)
}

func noRequests() RequestHandler {
	return requestFunc(func(context.Context, protocol.DeviceID, *protocol.Request) *protocol.Response {
		return &protocol.Response{Code: protocol.ErrorCodeGeneric}
	})
}

func baseConfig(remote protocol.DeviceID) SessionConfig {
	return SessionConfig{
		Remote:        remote,
		ClusterConfig: staticClusterConfig{info: NewClusterConfigInfo(FolderShare{Folder: "default", Announced: true, Whitelisted: true})},
		Index:         newRecordingIndex(),
		Requests:      noRequests(),
	}
}

// sessionPair opens two sessions talking to each other over a pipe.
func sessionPair(t *testing.T, a, b SessionConfig) (*Session, *Session) {
	t.Helper()

	ca, cb := net.Pipe()
	sa := newSession(ca, a, testLogger())
	sb := newSession(cb, b, testLogger())

	var (
		wg         sync.WaitGroup
		errA, errB error
	)

	wg.Add(2)

	go func() { defer wg.Done(); errA = sa.open(context.Background()) }()
	go func() { defer wg.Done(); errB = sb.open(context.Background()) }()

	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})

	return sa, sb
}

// rawPeer is the far end of a session driven by hand.
type rawPeer struct {
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

// sessionWithRawPeer opens a session whose peer is a rawPeer. The raw side
// completes the cluster config exchange with cc.
func sessionWithRawPeer(t *testing.T, cfg SessionConfig, cc protocol.Message) (*Session, *rawPeer) {
	t.Helper()

	ca, cb := net.Pipe()
	s := newSession(ca, cfg, testLogger())
	peer := &rawPeer{conn: cb, r: protocol.NewReader(cb), w: protocol.NewWriter(cb, false)}

	errc := make(chan error, 1)
	go func() { errc <- s.open(context.Background()) }()

	_, err := peer.r.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, peer.w.WriteMessage(cc))
	require.NoError(t, <-errc)

	t.Cleanup(func() {
		_ = cb.Close()
		s.Close()
	})

	return s, peer
}

// stubSession is an active session without a connection.
func stubSession(id protocol.DeviceID, shares ...FolderShare) *Session {
	s := newSession(nil, SessionConfig{Remote: id}, testLogger())
	s.info = NewClusterConfigInfo(shares...)
	s.state.Store(int32(StateActive))

	var once sync.Once

	s.cancel = func() {
		once.Do(func() {
			s.state.Store(int32(StateClosed))
			close(s.done)
		})
	}

	return s
}

func newPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}
