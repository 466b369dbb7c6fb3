package bep

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// bindContext applies ctx's deadline and cancellation to conn until the
// returned function is called.
func bindContext(ctx context.Context, conn any) func() {
	d, ok := conn.(deadliner)
	if !ok {
		return func() {}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = d.SetDeadline(dl)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})

	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}

// Handshake completes TLS on conn, exchanges hello messages and checks
// the peer's certificate. When expected is set, a peer presenting any
// other device id is rejected with an identity error.
func Handshake(ctx context.Context, conn *tls.Conn, local *protocol.Hello, expected protocol.DeviceID) (protocol.DeviceID, *protocol.Hello, error) {
	if err := conn.HandshakeContext(ctx); err != nil {
		return protocol.EmptyDeviceID, nil, fmt.Errorf("tls handshake: %w", err)
	}

	hello, err := ExchangeHello(ctx, conn, local)
	if err != nil {
		return protocol.EmptyDeviceID, nil, err
	}

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return protocol.EmptyDeviceID, nil, errors.Identityf("peer presented no certificate")
	}

	remote := protocol.NewDeviceID(certs[0].Raw)
	if !expected.IsZero() && remote != expected {
		return remote, nil, errors.Identityf("peer is %s, expected %s", remote, expected)
	}

	return remote, hello, nil
}

// ExchangeHello writes the local hello and reads the peer's concurrently,
// so neither side depends on the other reading first.
func ExchangeHello(ctx context.Context, conn io.ReadWriter, local *protocol.Hello) (*protocol.Hello, error) {
	release := bindContext(ctx, conn)
	defer release()

	errc := make(chan error, 1)

	go func() {
		errc <- protocol.WriteHello(conn, local)
	}()

	hello, err := protocol.ReadHello(conn)
	if err != nil {
		if c, ok := conn.(io.Closer); ok {
			_ = c.Close()
		}

		<-errc

		return nil, err
	}

	if err := <-errc; err != nil {
		return nil, err
	}

	return hello, nil
}
