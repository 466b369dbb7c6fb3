package bep

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/coder/websocket"
)

const (
	// DefaultDialTimeout bounds connection establishment, including the
	// TLS handshake and the cluster config exchange.
	DefaultDialTimeout = 30 * time.Second

	// relayReadLimit bounds one websocket message on relay transports.
	relayReadLimit = protocol.MaxMessageSize + 1<<20
)

// Dialer establishes sessions over TCP and websocket relay transports.
type Dialer struct {
	TLS     *tls.Config
	Hello   protocol.Hello
	Session SessionConfig

	// Known reports whether an accepted peer may connect. Nil accepts all.
	Known func(protocol.DeviceID) bool

	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (d *Dialer) timeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}

	return DefaultDialTimeout
}

// Connect dials addr and runs the full session setup. The peer must
// present the certificate of addr.DeviceID.
func (d *Dialer) Connect(ctx context.Context, addr models.DeviceAddress) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	raw, err := dialRaw(ctx, addr.Address)
	if err != nil {
		return nil, err
	}

	return d.establish(ctx, tls.Client(raw, d.TLS), addr.DeviceID)
}

// Accept runs the session setup on an inbound connection.
func (d *Dialer) Accept(ctx context.Context, raw net.Conn) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	return d.establish(ctx, tls.Server(raw, d.TLS), protocol.EmptyDeviceID)
}

func (d *Dialer) establish(ctx context.Context, conn *tls.Conn, expected protocol.DeviceID) (*Session, error) {
	hello := d.Hello

	remote, peerHello, err := Handshake(ctx, conn, &hello, expected)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if expected.IsZero() && d.Known != nil && !d.Known(remote) {
		_ = conn.Close()
		return nil, errors.Identityf("unknown device %s", remote)
	}

	cfg := d.Session
	cfg.Remote = remote
	cfg.RemoteName = peerHello.DeviceName

	s := newSession(conn, cfg, d.Logger)
	if err := s.open(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// dialRaw opens the transport named by the address scheme.
func dialRaw(ctx context.Context, address string) (net.Conn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing address %q: %w", address, err)
	}

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		var nd net.Dialer

		conn, err := nd.DialContext(ctx, u.Scheme, u.Host)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", address, err)
		}

		return conn, nil

	case "ws", "wss":
		c, _, err := websocket.Dial(ctx, address, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing relay %s: %w", address, err)
		}

		c.SetReadLimit(relayReadLimit)

		return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil

	default:
		return nil, fmt.Errorf("unsupported address scheme %q", u.Scheme)
	}
}

// IsRelayAddress reports whether the address uses a websocket relay.
func IsRelayAddress(address string) bool {
	u, err := url.Parse(address)
	return err == nil && (u.Scheme == "ws" || u.Scheme == "wss")
}

// RelayHandler accepts websocket upgrades and hands the resulting byte
// stream to accept.
func RelayHandler(accept func(net.Conn), logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("relay upgrade failed", slog.String("error", err.Error()))
			return
		}

		c.SetReadLimit(relayReadLimit)
		accept(websocket.NetConn(context.Background(), c, websocket.MessageBinary))
	})
}

// Serve accepts TCP connections until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, accept func(net.Conn), logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("accepting: %w", err)
		}

		logger.Debug("inbound connection", slog.String("address", conn.RemoteAddr().String()))

		go accept(conn)
	}
}
