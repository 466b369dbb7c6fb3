package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probe policy defaults.
const (
	DefaultProbeInterval = time.Minute
	DefaultProbeTimeout  = 5 * time.Second
	probeConcurrency     = 8

	// RelayPenalty is added to the latency of relayed addresses.
	RelayPenalty = 500
)

// ProberConfig configures address probing.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Prober periodically measures the connect latency of every address in
// the registry and stores it as the address score in milliseconds.
type Prober struct {
	registry *Registry
	cfg      ProberConfig
	logger   *slog.Logger
	dialer   net.Dialer
}

func NewProber(registry *Registry, cfg ProberConfig, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}

	return &Prober{registry: registry, cfg: cfg, logger: logger}
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.ProbeAll(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// ProbeAll scores every known address once.
func (p *Prober) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(probeConcurrency)

	for _, device := range p.registry.Devices() {
		for _, a := range p.registry.Addresses(device) {
			g.Go(func() error {
				score := p.probe(ctx, a.Address)
				if ctx.Err() != nil {
					return nil
				}

				p.registry.Score(device, a.Address, score)

				return nil
			})
		}
	}

	_ = g.Wait()
}

// probe returns the score of one address.
func (p *Prober) probe(ctx context.Context, address string) int {
	target, penalty, err := probeTarget(address)
	if err != nil {
		p.logger.Debug("unprobeable address", slog.String("address", address), slog.String("error", err.Error()))
		return UnreachableScore
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()

	conn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		p.logger.Debug("address unreachable", slog.String("address", address), slog.String("error", err.Error()))
		return UnreachableScore
	}

	latency := time.Since(start)
	_ = conn.Close()

	return int(latency.Milliseconds()) + penalty
}

// probeTarget returns the host:port to dial for an address and the score
// penalty of its transport.
func probeTarget(address string) (string, int, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", 0, err
	}

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return u.Host, 0, nil
	case "ws":
		return hostPort(u, "80"), RelayPenalty, nil
	case "wss":
		return hostPort(u, "443"), RelayPenalty, nil
	default:
		return "", 0, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}

	return net.JoinHostPort(u.Hostname(), defaultPort)
}
