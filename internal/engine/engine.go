// Package engine wires the BEP components into one running device: the
// state database, the index engine, block transfer, connection
// supervision, discovery and local folder bindings.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/bep"
	"github.com/alexjbarnes/bep-sync/internal/blocks"
	"github.com/alexjbarnes/bep-sync/internal/discovery"
	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/events"
	"github.com/alexjbarnes/bep-sync/internal/folder"
	"github.com/alexjbarnes/bep-sync/internal/index"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/alexjbarnes/bep-sync/internal/state"
	"github.com/alexjbarnes/bep-sync/internal/tempstore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
	tempDirName  = "tmp"

	// ClientName is sent in the hello message.
	ClientName = "bep-sync"

	// RelayPath is where the websocket relay listener accepts upgrades.
	RelayPath = "/bep"

	relayShutdownTimeout = 5 * time.Second
)

// Peer is a device this engine syncs with.
type Peer struct {
	ID protocol.DeviceID
	// Addresses are static dial addresses such as tcp://host:22000 or
	// wss://relay.example/bep. Empty means the peer is reached through
	// discovery or only connects inbound.
	Addresses []string
}

// Folder is a locally configured shared folder.
type Folder struct {
	ID    string
	Label string
	// Path binds the folder to a local directory. Empty keeps the folder
	// in the state database only.
	Path  string
	Peers []protocol.DeviceID
	Watch bool
}

// Options configures an Engine. Zero policy values fall back to each
// component's defaults.
type Options struct {
	StateDir      string
	DeviceName    string
	ClientVersion string

	ListenAddr      string
	RelayListenAddr string

	Peers   []Peer
	Folders []Folder

	LocalDiscovery bool
	MaxSendKBps    int
	Compression    bool

	Pull  blocks.PullConfig
	Index index.Config

	PingInterval      time.Duration
	ReceiveTimeout    time.Duration
	ReconnectInterval time.Duration
	ProbeInterval     time.Duration
	RetryInterval     time.Duration

	Logger *slog.Logger
}

// Engine is one running device.
type Engine struct {
	opts   Options
	device protocol.DeviceID
	logger *slog.Logger

	state      *state.State
	temp       *tempstore.Store
	bus        *events.Bus
	registry   *bep.Registry
	negotiator *bep.Negotiator
	index      *index.Engine
	pool       *bep.Pool
	dialer     *bep.Dialer
	connector  bep.Connector
	puller     *blocks.Puller
	pusher     *blocks.Pusher
	disc       *discovery.Registry
	bindings   []*folder.Binding

	listener      net.Listener
	relayListener net.Listener

	peers map[protocol.DeviceID]struct{}

	mu          sync.RWMutex
	supervisors map[protocol.DeviceID]*bep.Supervisor
}

// New opens the state in opts.StateDir, loads or creates the device
// certificate, records the configured folders and binds the listeners.
// Nothing connects until Run.
func New(opts Options) (*Engine, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}

	if opts.DeviceName == "" {
		opts.DeviceName, _ = os.Hostname()
	}

	cert, err := loadCertificate(opts.StateDir)
	if err != nil {
		return nil, err
	}

	device := bep.CertificateDeviceID(cert)
	logger := opts.Logger.With(slog.String("local", device.Short()))

	st, err := state.Load(opts.StateDir)
	if err != nil {
		return nil, err
	}

	temp, err := tempstore.New(filepath.Join(opts.StateDir, tempDirName))
	if err != nil {
		st.Close()
		return nil, err
	}

	// Staged blocks and spilled messages of a previous run are useless.
	temp.DeleteAll()

	e := &Engine{
		opts:        opts,
		device:      device,
		logger:      logger,
		state:       st,
		temp:        temp,
		bus:         events.NewBus(),
		pool:        bep.NewPool(),
		disc:        discovery.NewRegistry(),
		peers:       make(map[protocol.DeviceID]struct{}, len(opts.Peers)),
		supervisors: make(map[protocol.DeviceID]*bep.Supervisor),
	}
	e.connector = e

	var limiter *rate.Limiter
	if opts.MaxSendKBps > 0 {
		bytesPerSec := opts.MaxSendKBps * 1024
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, blocks.BlockSize))
	}

	e.registry = bep.NewRegistry(limiter, logger)
	e.negotiator = bep.NewNegotiator(st, device, opts.DeviceName, logger)
	e.index = index.New(st, temp, e.bus, opts.Index, logger)
	e.puller = blocks.NewPuller(poolSource{e.pool}, st, temp, opts.Pull, logger)
	e.pusher = blocks.NewPusher(device, st, temp, e.registry, e.bus, logger)

	for _, p := range opts.Peers {
		if p.ID == device {
			continue
		}

		e.peers[p.ID] = struct{}{}
		e.disc.AddStatic(p.ID, p.Addresses)
	}

	e.dialer = &bep.Dialer{
		TLS: bep.TLSConfig(cert),
		Hello: protocol.Hello{
			DeviceName:    opts.DeviceName,
			ClientName:    ClientName,
			ClientVersion: opts.ClientVersion,
		},
		Session: bep.SessionConfig{
			ClusterConfig:  e.negotiator,
			Index:          e.index,
			Requests:       e.registry,
			PingInterval:   opts.PingInterval,
			ReceiveTimeout: opts.ReceiveTimeout,
			Compression:    opts.Compression,
		},
		Known: func(id protocol.DeviceID) bool {
			_, ok := e.peers[id]
			return ok
		},
		Logger: logger,
	}

	if err := e.setup(); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

func loadCertificate(stateDir string) (tls.Certificate, error) {
	return bep.LoadOrGenerateCertificate(
		filepath.Join(stateDir, certFileName),
		filepath.Join(stateDir, keyFileName),
		ClientName,
	)
}

// LocalDeviceID returns the device id of the certificate in stateDir,
// generating the certificate on first use.
func LocalDeviceID(stateDir string) (protocol.DeviceID, error) {
	cert, err := loadCertificate(stateDir)
	if err != nil {
		return protocol.DeviceID{}, err
	}

	return bep.CertificateDeviceID(cert), nil
}

// setup stores the configured folders, creates the folder bindings and
// binds the listeners.
func (e *Engine) setup() error {
	for _, f := range e.opts.Folders {
		if err := e.putFolder(f); err != nil {
			return err
		}

		if f.Path == "" {
			continue
		}

		path, err := filepath.Abs(f.Path)
		if err != nil {
			return fmt.Errorf("resolving folder path %s: %w", f.Path, err)
		}

		b, err := folder.New(folder.Config{
			Folder:        f.ID,
			Path:          path,
			Watch:         f.Watch,
			RetryInterval: e.opts.RetryInterval,
		}, e, e.bus, e.logger)
		if err != nil {
			return fmt.Errorf("binding folder %s: %w", f.ID, err)
		}

		e.bindings = append(e.bindings, b)
	}

	if e.opts.ListenAddr != "" {
		ln, err := net.Listen("tcp", e.opts.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", e.opts.ListenAddr, err)
		}

		e.listener = ln
	}

	if e.opts.RelayListenAddr != "" {
		ln, err := net.Listen("tcp", e.opts.RelayListenAddr)
		if err != nil {
			return fmt.Errorf("listening for relay on %s: %w", e.opts.RelayListenAddr, err)
		}

		e.relayListener = ln
	}

	return nil
}

// putFolder records a configured folder with its peers whitelisted,
// keeping devices learned from earlier runs.
func (e *Engine) putFolder(f Folder) error {
	err := e.state.Update(func(tx *state.Tx) error {
		info, err := tx.Folder(f.ID)
		if err != nil {
			return err
		}

		if info == nil {
			info = &models.FolderInfo{ID: f.ID}
		}

		if f.Label != "" {
			info.Label = f.Label
		}

		for _, id := range f.Peers {
			info.AllowDevice(id)
		}

		if _, err := tx.LocalIndexID(f.ID); err != nil {
			return err
		}

		return tx.PutFolder(*info)
	})
	if err != nil {
		return fmt.Errorf("storing folder %s: %w", f.ID, err)
	}

	return nil
}

// DeviceID returns this device's id.
func (e *Engine) DeviceID() protocol.DeviceID { return e.device }

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Addr returns the TCP listener address, or nil when not listening.
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// RelayAddr returns the websocket relay listener address, or nil.
func (e *Engine) RelayAddr() net.Addr {
	if e.relayListener == nil {
		return nil
	}

	return e.relayListener.Addr()
}

// Run connects to peers, accepts inbound sessions, applies indexes and
// syncs bound folders until ctx is cancelled or a component fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return quiet(ctx, e.index.Run(ctx)) })

	// Supervisors stay outside the group so one failing peer does not
	// tear down the others.
	var supervised sync.WaitGroup
	for _, sup := range e.startSupervisors(ctx) {
		supervised.Go(func() { e.supervise(ctx, sup) })
	}

	accept := func(conn net.Conn) { e.accept(ctx, conn) }

	if e.listener != nil {
		g.Go(func() error { return bep.Serve(ctx, e.listener, accept, e.logger) })

		e.logger.Info("listening", slog.String("address", e.listener.Addr().String()))
	}

	if e.relayListener != nil {
		g.Go(func() error { return e.serveRelay(ctx, accept) })
	}

	if e.opts.LocalDiscovery && e.listener != nil {
		port := e.listener.Addr().(*net.TCPAddr).Port
		local := discovery.NewLocal(discovery.LocalConfig{Device: e.device, Port: port}, e.disc, e.logger)

		g.Go(func() error { return local.Run(ctx) })
	}

	prober := discovery.NewProber(e.disc, discovery.ProberConfig{Interval: e.opts.ProbeInterval}, e.logger)
	g.Go(func() error { return prober.Run(ctx) })

	for _, b := range e.bindings {
		g.Go(func() error { return b.Run(ctx) })
	}

	e.logger.Info("engine started",
		slog.String("device", e.device.String()),
		slog.Int("peers", len(e.peers)),
		slog.Int("bindings", len(e.bindings)),
	)

	err := g.Wait()

	supervised.Wait()
	e.pool.CloseAll()

	return err
}

func (e *Engine) startSupervisors(ctx context.Context) []*bep.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*bep.Supervisor, 0, len(e.peers))

	for id := range e.peers {
		sup := bep.NewSupervisor(bep.SupervisorConfig{
			Device:        id,
			Connector:     e.connector,
			Pool:          e.pool,
			Addresses:     e.disc.Watch(ctx, id),
			CheckInterval: e.opts.ReconnectInterval,
		}, e.logger)

		e.supervisors[id] = sup
		out = append(out, sup)
	}

	return out
}

func (e *Engine) supervisor(id protocol.DeviceID) *bep.Supervisor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.supervisors[id]
}

func (e *Engine) serveRelay(ctx context.Context, accept func(net.Conn)) error {
	mux := http.NewServeMux()
	mux.Handle(RelayPath, bep.RelayHandler(accept, e.logger))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	e.logger.Info("relay listening", slog.String("address", e.relayListener.Addr().String()))

	if err := srv.Serve(e.relayListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving relay: %w", err)
	}

	return nil
}

// Close releases the listeners, the state database and staged data. Call
// it after Run has returned.
func (e *Engine) Close() error {
	if e.listener != nil {
		_ = e.listener.Close()
	}

	if e.relayListener != nil {
		_ = e.relayListener.Close()
	}

	e.temp.DeleteAll()

	return e.state.Close()
}

// supervise runs one peer's supervisor. An unexpected error stops only
// that peer and stays visible in its Status.
func (e *Engine) supervise(ctx context.Context, sup *bep.Supervisor) {
	err := sup.Run(ctx)
	if quiet(ctx, err) == nil {
		return
	}

	e.logger.Error("peer supervision stopped",
		slog.String("device", sup.Status().Device.String()),
		slog.String("error", err.Error()),
	)
}

// quiet drops the cancellation error a component returns on shutdown.
func quiet(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}

	return err
}

// poolSource exposes the connection pool to the puller.
type poolSource struct {
	pool *bep.Pool
}

func (p poolSource) Usable(folder string) []blocks.Requester {
	sessions := p.pool.Usable(folder)

	out := make([]blocks.Requester, len(sessions))
	for i, s := range sessions {
		out[i] = s
	}

	return out
}
