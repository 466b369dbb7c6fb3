package bep

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

const (
	// DefaultPingInterval is how often an active session sends a Ping.
	DefaultPingInterval = 90 * time.Second

	// DefaultReceiveTimeout closes a session that received nothing for
	// this long.
	DefaultReceiveTimeout = 5 * time.Minute

	// closeWriteTimeout bounds the best-effort Close message on teardown.
	closeWriteTimeout = 2 * time.Second

	inboundChanSize = 64
	actionChanSize  = 64
)

// State is the lifecycle state of a session.
type State int32

const (
	StateHandshaking State = iota
	StateClusterConfigExchange
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateClusterConfigExchange:
		return "cluster-config-exchange"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// IndexHandler receives index messages of an active session. It must not
// block for long; the session's event loop waits for it.
type IndexHandler interface {
	HandleIndex(ctx context.Context, from protocol.DeviceID, info ClusterConfigInfo, folder string, files []protocol.FileInfo) error
}

// RequestHandler answers block requests. It runs on its own goroutine per
// request.
type RequestHandler interface {
	HandleRequest(ctx context.Context, from protocol.DeviceID, req *protocol.Request) *protocol.Response
}

// ClusterConfigHandler builds and applies cluster configs.
type ClusterConfigHandler interface {
	BuildClusterConfig(remote protocol.DeviceID) (*protocol.ClusterConfig, error)
	ApplyClusterConfig(remote protocol.DeviceID, cc *protocol.ClusterConfig) (ClusterConfigInfo, []string, error)
}

// SessionConfig holds the collaborators and policy of a session.
type SessionConfig struct {
	Remote        protocol.DeviceID
	RemoteName    string
	ClusterConfig ClusterConfigHandler
	Index         IndexHandler
	Requests      RequestHandler

	PingInterval   time.Duration
	ReceiveTimeout time.Duration
	Compression    bool
}

// wireConn is the transport under a session. *tls.Conn and net.Pipe ends
// satisfy it.
type wireConn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type inboundMsg struct {
	msg protocol.Message
	err error
}

type actionKind int

const (
	actRequest actionKind = iota
	actSend
	actRespond
	actConfirm
	actCancel
)

// action is an operation submitted to the event loop.
type action struct {
	kind   actionKind
	msg    protocol.Message
	result chan actionResult
}

type actionResult struct {
	resp *protocol.Response
	info ClusterConfigInfo
	err  error
}

// Session is one authenticated connection to a peer.
//
// Architecture: a reader goroutine decodes frames into inbound. A single
// event loop goroutine dispatches inbound messages, executes submitted
// actions and sends pings. All writes happen from the event loop except
// the final Close message, which is written after the loop has stopped.
// Requests from the peer are answered on their own goroutines, which hand
// the response back to the loop.
type Session struct {
	conn   wireConn
	cfg    SessionConfig
	reader *protocol.Reader
	writer *protocol.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	inbound chan inboundMsg
	actions chan action

	state atomic.Int32

	infoMu      sync.RWMutex
	info        ClusterConfigInfo
	newlyShared []string

	// Owned by the event loop.
	pending     map[int32]chan actionResult
	cancelled   map[int32]struct{}
	nextID      int32
	lastMessage time.Time
	peerClosed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func newSession(conn wireConn, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	s := &Session{
		conn:      conn,
		cfg:       cfg,
		reader:    protocol.NewReader(conn),
		writer:    protocol.NewWriter(conn, cfg.Compression),
		logger:    logger.With(slog.String("device", cfg.Remote.Short())),
		inbound:   make(chan inboundMsg, inboundChanSize),
		actions:   make(chan action, actionChanSize),
		pending:   make(map[int32]chan actionResult),
		cancelled: make(map[int32]struct{}),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))

	return s
}

// open runs the cluster config exchange and starts the session. On
// failure the connection is closed.
func (s *Session) open(ctx context.Context) error {
	s.state.Store(int32(StateClusterConfigExchange))

	if err := s.exchangeClusterConfig(ctx); err != nil {
		s.state.Store(int32(StateClosed))
		_ = s.conn.Close()
		close(s.done)

		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.lastMessage = time.Now()
	s.state.Store(int32(StateActive))

	go s.readLoop()
	go s.run()

	s.logger.Info("session active",
		slog.String("name", s.cfg.RemoteName),
		slog.Any("shared_folders", s.ClusterConfig().SharedFolderIDs()),
	)

	return nil
}

func (s *Session) exchangeClusterConfig(ctx context.Context) error {
	local, err := s.cfg.ClusterConfig.BuildClusterConfig(s.cfg.Remote)
	if err != nil {
		return err
	}

	release := bindContext(ctx, s.conn)
	defer release()

	errc := make(chan error, 1)

	go func() { errc <- s.write(local) }()

	var msg protocol.Message

	for {
		msg, err = s.reader.ReadMessage()
		if err != nil {
			break
		}

		if _, ok := msg.(*protocol.Ping); !ok {
			break
		}
	}

	if err != nil {
		_ = s.conn.Close()
		<-errc

		return fmt.Errorf("reading cluster config: %w", err)
	}

	if err := <-errc; err != nil {
		return fmt.Errorf("sending cluster config: %w", err)
	}

	remote, ok := msg.(*protocol.ClusterConfig)
	if !ok {
		return errors.Protocolf("expected ClusterConfig, got %s", msg.Type())
	}

	info, newly, err := s.cfg.ClusterConfig.ApplyClusterConfig(s.cfg.Remote, remote)
	if err != nil {
		return err
	}

	s.infoMu.Lock()
	s.info = info
	s.newlyShared = newly
	s.infoMu.Unlock()

	return nil
}

// RemoteID returns the peer's device id.
func (s *Session) RemoteID() protocol.DeviceID { return s.cfg.Remote }

// RemoteName returns the device name from the peer's hello.
func (s *Session) RemoteName() string { return s.cfg.RemoteName }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ClusterConfig returns the negotiated folder sharing state.
func (s *Session) ClusterConfig() ClusterConfigInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()

	return s.info
}

// NewlyShared returns folders created locally because the peer shared
// them during this session's exchange.
func (s *Session) NewlyShared() []string {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()

	return s.newlyShared
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session terminated, or nil for a local close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Close terminates the session and waits for teardown to finish.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	<-s.done
}

// Request sends a block request and waits for the matching response. The
// id field is assigned by the session.
func (s *Session) Request(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	r := *req

	res, err := s.submit(ctx, action{kind: actRequest, msg: &r})
	if err != nil {
		return nil, fmt.Errorf("requesting %s@%d from %s: %w", req.Name, req.Offset, s.cfg.Remote.Short(), err)
	}

	return res.resp, nil
}

// SendIndex sends the first index message of a folder.
func (s *Session) SendIndex(ctx context.Context, idx *protocol.Index) error {
	_, err := s.submit(ctx, action{kind: actSend, msg: idx})
	return err
}

// SendIndexUpdate sends an index delta to the peer.
func (s *Session) SendIndexUpdate(ctx context.Context, upd *protocol.IndexUpdate) error {
	_, err := s.submit(ctx, action{kind: actSend, msg: upd})
	return err
}

// ConfirmConnected resolves once the session is active, with its cluster
// config info.
func (s *Session) ConfirmConnected(ctx context.Context) (ClusterConfigInfo, error) {
	res, err := s.submit(ctx, action{kind: actConfirm})
	return res.info, err
}

func (s *Session) submit(ctx context.Context, a action) (actionResult, error) {
	a.result = make(chan actionResult, 1)

	select {
	case s.actions <- a:
	case <-s.done:
		return actionResult{}, errors.ErrSessionClosed
	case <-ctx.Done():
		return actionResult{}, ctx.Err()
	}

	select {
	case res := <-a.result:
		return res, res.err
	case <-s.done:
		select {
		case res := <-a.result:
			return res, res.err
		default:
			return actionResult{}, errors.ErrSessionClosed
		}
	case <-ctx.Done():
		if a.kind == actRequest {
			s.abandon(a.result)
		}

		return actionResult{}, ctx.Err()
	}
}

// abandon tells the loop that nobody waits on result any more.
func (s *Session) abandon(result chan actionResult) {
	select {
	case s.actions <- action{kind: actCancel, result: result}:
	case <-s.done:
	}
}

func (s *Session) write(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.writer.WriteMessage(msg)
}

func (s *Session) readLoop() {
	for {
		msg, err := s.reader.ReadMessage()

		select {
		case s.inbound <- inboundMsg{msg: msg, err: err}:
		case <-s.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// run is the event loop. It returns on the first fatal error or when the
// session is closed locally, and tears the session down.
func (s *Session) run() {
	defer s.teardown()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-s.inbound:
			if in.err != nil {
				s.fail(fmt.Errorf("reading message: %w", in.err))
				return
			}

			s.lastMessage = time.Now()

			if err := s.dispatch(in.msg); err != nil {
				s.fail(err)
				return
			}

		case a := <-s.actions:
			if err := s.perform(a); err != nil {
				s.fail(err)
				return
			}

		case <-ticker.C:
			if s.cfg.ReceiveTimeout > 0 && time.Since(s.lastMessage) > s.cfg.ReceiveTimeout {
				s.fail(errors.Mark(fmt.Errorf("nothing received for %s", s.cfg.ReceiveTimeout), errors.ErrTimeout))
				return
			}

			if err := s.write(&protocol.Ping{}); err != nil {
				s.fail(fmt.Errorf("sending ping: %w", err))
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.ClusterConfig:
		return errors.Protocolf("unexpected ClusterConfig in active session")

	case *protocol.Index:
		return s.handleIndex(m.Folder, m.Files)

	case *protocol.IndexUpdate:
		return s.handleIndex(m.Folder, m.Files)

	case *protocol.Request:
		go s.serve(m)

	case *protocol.Response:
		if _, ok := s.cancelled[m.ID]; ok {
			delete(s.cancelled, m.ID)
			s.logger.Debug("dropping response to cancelled request", slog.Int("request", int(m.ID)))

			return nil
		}

		ch, ok := s.pending[m.ID]
		if !ok {
			return errors.Protocolf("response for unknown request %d", m.ID)
		}

		delete(s.pending, m.ID)
		ch <- actionResult{resp: m}

	case *protocol.DownloadProgress:
		s.logger.Debug("ignoring download progress", slog.String("folder", m.Folder))

	case *protocol.Ping:

	case *protocol.Close:
		s.peerClosed = true
		return errors.Mark(fmt.Errorf("closed by peer: %s", m.Reason), errors.ErrSessionClosed)

	default:
		return errors.Protocolf("unhandled message %s", msg.Type())
	}

	return nil
}

func (s *Session) handleIndex(folder string, files []protocol.FileInfo) error {
	s.logger.Debug("index received", slog.String("folder", folder), slog.Int("files", len(files)))

	if err := s.cfg.Index.HandleIndex(s.ctx, s.cfg.Remote, s.ClusterConfig(), folder, files); err != nil {
		return fmt.Errorf("handling index for %s: %w", folder, err)
	}

	return nil
}

// serve answers a peer request off the event loop.
func (s *Session) serve(req *protocol.Request) {
	resp := s.cfg.Requests.HandleRequest(s.ctx, s.cfg.Remote, req)
	resp.ID = req.ID

	select {
	case s.actions <- action{kind: actRespond, msg: resp}:
	case <-s.done:
		s.logger.Debug("session closed before response was sent", slog.Int("request", int(req.ID)))
	}
}

func (s *Session) perform(a action) error {
	switch a.kind {
	case actRequest:
		req, _ := a.msg.(*protocol.Request)
		req.ID = s.nextID
		s.nextID++

		s.pending[req.ID] = a.result

		if err := s.write(req); err != nil {
			delete(s.pending, req.ID)
			a.result <- actionResult{err: err}

			return err
		}

	case actSend:
		err := s.write(a.msg)
		a.result <- actionResult{err: err}

		return err

	case actRespond:
		return s.write(a.msg)

	case actConfirm:
		a.result <- actionResult{info: s.ClusterConfig()}

	case actCancel:
		for id, ch := range s.pending {
			if ch == a.result {
				delete(s.pending, id)
				s.cancelled[id] = struct{}{}

				break
			}
		}
	}

	return nil
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// teardown runs once, on the event loop goroutine, after the loop exits.
func (s *Session) teardown() {
	s.state.Store(int32(StateClosed))
	s.cancel()

	err := s.Err()
	reason := "session closed"

	if err != nil {
		reason = err.Error()
	}

	if !s.peerClosed {
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))

		if werr := s.write(&protocol.Close{Reason: reason}); werr != nil {
			s.logger.Debug("close message not sent", slog.String("error", werr.Error()))
		}
	}

	_ = s.conn.Close()

	for id, ch := range s.pending {
		ch <- actionResult{err: errors.ErrSessionClosed}
		delete(s.pending, id)
	}

	close(s.done)

	for {
		select {
		case a := <-s.actions:
			if a.result != nil {
				a.result <- actionResult{err: errors.ErrSessionClosed}
			}
		default:
			if err != nil && !errors.IsAny(err, errors.ErrSessionClosed) {
				s.logger.Warn("session terminated", slog.String("error", err.Error()))
			} else {
				s.logger.Info("session closed", slog.String("reason", reason))
			}

			return
		}
	}
}
