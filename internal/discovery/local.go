package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service announced by every device.
	ServiceType = "_bep._tcp"
	domain      = "local."
	idTXTPrefix = "id="

	DefaultBrowseInterval = 30 * time.Second
)

// LocalConfig configures local network discovery.
type LocalConfig struct {
	Device protocol.DeviceID
	// Port is the listening TCP port to announce.
	Port     int
	Interval time.Duration
}

// Local announces this device over mDNS and browses for others. Each
// browse round replaces the previous round's local addresses.
type Local struct {
	cfg      LocalConfig
	registry *Registry
	logger   *slog.Logger
}

func NewLocal(cfg LocalConfig, registry *Registry, logger *slog.Logger) *Local {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBrowseInterval
	}

	return &Local{cfg: cfg, registry: registry, logger: logger}
}

// Run announces and browses until ctx is cancelled.
func (l *Local) Run(ctx context.Context) error {
	instance := "bep-" + l.cfg.Device.Short()

	server, err := zeroconf.Register(instance, ServiceType, domain, l.cfg.Port, []string{idTXTPrefix + l.cfg.Device.String()}, nil)
	if err != nil {
		return fmt.Errorf("registering mdns service: %w", err)
	}
	defer server.Shutdown()

	l.logger.Info("local discovery started", slog.String("instance", instance), slog.Int("port", l.cfg.Port))

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := l.browse(ctx); err != nil {
			l.logger.Warn("mdns browse failed", slog.String("error", err.Error()))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			l.registry.Replace(SourceLocal, nil)
			return nil
		}
	}
}

// browse collects announcements for half an interval.
func (l *Local) browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	bctx, cancel := context.WithTimeout(ctx, l.cfg.Interval/2)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(bctx, ServiceType, domain, entries); err != nil {
		return fmt.Errorf("browsing: %w", err)
	}

	found := make(map[protocol.DeviceID][]models.DeviceAddress)

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}

			device, addrs, ok := entryAddresses(l.cfg.Device, e)
			if !ok {
				continue
			}

			l.logger.Debug("local device seen", slog.String("device", device.Short()), slog.Int("addresses", len(addrs)))
			found[device] = append(found[device], addrs...)

		case <-bctx.Done():
			if ctx.Err() == nil {
				l.registry.Replace(SourceLocal, found)
			}

			return nil
		}
	}
}

// entryAddresses extracts the announcing device and its tcp addresses.
// Entries without a valid id and our own announcement are skipped.
func entryAddresses(self protocol.DeviceID, e *zeroconf.ServiceEntry) (protocol.DeviceID, []models.DeviceAddress, bool) {
	var device protocol.DeviceID

	found := false

	for _, txt := range e.Text {
		if raw, ok := strings.CutPrefix(txt, idTXTPrefix); ok {
			id, err := protocol.ParseDeviceID(raw)
			if err != nil {
				return device, nil, false
			}

			device, found = id, true
		}
	}

	if !found || device == self || e.Port <= 0 {
		return device, nil, false
	}

	port := strconv.Itoa(e.Port)
	ips := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	ips = append(ips, e.AddrIPv4...)
	ips = append(ips, e.AddrIPv6...)

	addrs := make([]models.DeviceAddress, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, models.DeviceAddress{
			DeviceID: device,
			Address:  "tcp://" + net.JoinHostPort(ip.String(), port),
			Producer: models.ProducerLocal,
			Score:    UnprobedScore,
		})
	}

	return device, addrs, len(addrs) > 0
}
