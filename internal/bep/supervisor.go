package bep

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/cenkalti/backoff"
)

const (
	// DefaultCheckInterval is how often a supervisor retries a
	// disconnected peer or looks for a better address.
	DefaultCheckInterval = 30 * time.Second

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Connector establishes a session to an address.
type Connector interface {
	Connect(ctx context.Context, addr models.DeviceAddress) (*Session, error)
}

// ConnectionState is the supervisor's view of a peer.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is a snapshot of a supervised peer.
type Status struct {
	Device  protocol.DeviceID
	State   ConnectionState
	Address string
	Since   time.Time
	// Err is the error that stopped supervision, if any.
	Err error
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Device        protocol.DeviceID
	Connector     Connector
	Pool          *Pool
	Addresses     <-chan []models.DeviceAddress
	CheckInterval time.Duration
}

// Supervisor keeps one peer connected over the best known address.
type Supervisor struct {
	device    protocol.DeviceID
	connector Connector
	pool      *Pool
	addresses <-chan []models.DeviceAddress
	interval  time.Duration
	logger    *slog.Logger

	adopt chan *Session

	// Owned by Run.
	candidates []models.DeviceAddress
	banned     map[string]struct{}
	session    *Session
	backoff    *backoff.ExponentialBackOff

	mu     sync.RWMutex
	status Status
}

func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectMin
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Supervisor{
		device:    cfg.Device,
		connector: cfg.Connector,
		pool:      cfg.Pool,
		addresses: cfg.Addresses,
		interval:  interval,
		logger:    logger.With(slog.String("device", cfg.Device.Short())),
		adopt:     make(chan *Session),
		banned:    make(map[string]struct{}),
		backoff:   bo,
		status:    Status{Device: cfg.Device, State: Disconnected, Since: time.Now()},
	}
}

// Status returns the current connection status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

func (s *Supervisor) setStatus(state ConnectionState, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != state || s.status.Address != address {
		s.status.Since = time.Now()
	}

	s.status.State = state
	s.status.Address = address
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Err = err
}

// Adopt offers an inbound session for this peer. It is taken only while
// the peer is disconnected; otherwise it is closed.
func (s *Supervisor) Adopt(ctx context.Context, sess *Session) {
	select {
	case s.adopt <- sess:
	case <-ctx.Done():
		sess.Close()
	}
}

// Run supervises the peer until ctx is cancelled or an unexpected error
// occurs. Expected connection failures are logged and retried. An
// unexpected error is also kept in Status.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var retry *time.Timer

	defer func() {
		if retry != nil {
			retry.Stop()
		}

		if s.session != nil {
			s.session.Close()
		}

		s.setStatus(Disconnected, "")

		if err != nil && ctx.Err() == nil {
			s.fail(err)
		}
	}()

	for {
		var sessionDone <-chan struct{}
		if s.session != nil {
			sessionDone = s.session.Done()
		}

		var retryC <-chan time.Time
		if retry != nil {
			retryC = retry.C
		}

		select {
		case addrs, ok := <-s.addresses:
			if !ok {
				s.addresses = nil
				continue
			}

			s.setCandidates(addrs)

			if len(s.candidates) == 0 {
				if s.session != nil {
					s.logger.Info("no addresses left, disconnecting")
					s.session.Close()
					s.session = nil
					s.setStatus(Disconnected, "")
				}

				continue
			}

			if s.session == nil {
				if err := s.connect(ctx); err != nil {
					return err
				}
			}

		case <-ticker.C:
			var err error
			if s.session != nil {
				err = s.upgrade(ctx)
			} else if len(s.candidates) > 0 && retry == nil {
				err = s.connect(ctx)
			}

			if err != nil {
				return err
			}

		case <-retryC:
			retry = nil

			if s.session == nil {
				if err := s.connect(ctx); err != nil {
					return err
				}
			}

		case <-sessionDone:
			if err := s.session.Err(); err != nil {
				s.logger.Warn("connection lost", slog.String("error", err.Error()))
			}

			s.session = nil
			s.setStatus(Disconnected, "")

		case sess := <-s.adopt:
			if s.session != nil && ended(s.session) {
				s.session = nil
			}

			if s.session != nil {
				s.logger.Debug("already connected, closing inbound session")
				sess.Close()

				continue
			}

			s.install(sess, "inbound")

		case <-ctx.Done():
			return ctx.Err()
		}

		if s.session == nil && retry == nil && len(s.candidates) > 0 {
			wait := s.backoff.NextBackOff()
			s.logger.Debug("scheduling reconnect", slog.Duration("backoff", wait))
			retry = time.NewTimer(wait)
		}

		if s.session != nil && retry != nil {
			retry.Stop()
			retry = nil
		}
	}
}

// ended reports whether a session terminated without Run noticing yet.
func ended(sess *Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

// setCandidates replaces the address list: deduplicated by address with
// the best score kept, banned addresses dropped, sorted best first.
func (s *Supervisor) setCandidates(addrs []models.DeviceAddress) {
	best := make(map[string]models.DeviceAddress, len(addrs))

	for _, a := range addrs {
		if _, banned := s.banned[a.Address]; banned {
			continue
		}

		if prev, ok := best[a.Address]; !ok || a.Score < prev.Score {
			best[a.Address] = a
		}
	}

	ranked := make([]models.DeviceAddress, 0, len(best))
	for _, a := range best {
		ranked = append(ranked, a)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score < ranked[j].Score
		}

		if ranked[i].Producer != ranked[j].Producer {
			return ranked[i].Producer == models.ProducerLocal
		}

		return ranked[i].Address < ranked[j].Address
	})

	s.candidates = ranked
}

// ban excludes an address until the process restarts.
func (s *Supervisor) ban(address string) {
	s.banned[address] = struct{}{}

	kept := make([]models.DeviceAddress, 0, len(s.candidates))
	for _, c := range s.candidates {
		if c.Address != address {
			kept = append(kept, c)
		}
	}

	s.candidates = kept
}

// connect tries candidates in rank order until one succeeds.
func (s *Supervisor) connect(ctx context.Context) error {
	for _, addr := range s.candidates {
		if _, banned := s.banned[addr.Address]; banned {
			continue
		}

		s.setStatus(Connecting, addr.Address)

		sess, err := s.dial(ctx, addr)
		if err != nil {
			if !errors.IsExpected(err) {
				s.setStatus(Disconnected, "")
				return fmt.Errorf("connecting to %s: %w", addr.Address, err)
			}

			continue
		}

		s.backoff.Reset()
		s.install(sess, addr.Address)

		return nil
	}

	s.setStatus(Disconnected, "")

	return nil
}

// dial connects once, and reconnects once more when the peer shared new
// folders so that the next cluster config includes them.
func (s *Supervisor) dial(ctx context.Context, addr models.DeviceAddress) (*Session, error) {
	sess, err := s.connector.Connect(ctx, addr)
	if err == nil && len(sess.NewlyShared()) > 0 {
		s.logger.Info("reconnecting to include new folders",
			slog.Any("folders", sess.NewlyShared()),
			slog.String("address", addr.Address),
		)
		sess.Close()

		sess, err = s.connector.Connect(ctx, addr)
	}

	if err != nil {
		if errors.Is(err, errors.ErrIdentity) {
			s.ban(addr.Address)
			s.logger.Warn("address presented wrong identity, not retrying",
				slog.String("address", addr.Address),
				slog.String("error", err.Error()),
			)
		} else if errors.IsExpected(err) {
			s.logger.Warn("connection attempt failed",
				slog.String("address", addr.Address),
				slog.String("error", err.Error()),
			)
		}

		return nil, err
	}

	return sess, nil
}

func (s *Supervisor) install(sess *Session, address string) {
	s.session = sess
	s.pool.Add(sess)
	s.setStatus(Connected, address)
	s.logger.Info("connected", slog.String("address", address))
}

// upgrade switches to the best candidate when it scores strictly better
// than the current address. A failed attempt keeps the current session.
func (s *Supervisor) upgrade(ctx context.Context) error {
	if len(s.candidates) == 0 {
		return nil
	}

	best := s.candidates[0]
	current := s.Status().Address

	if best.Address == current {
		return nil
	}

	currentScore := math.MaxInt
	for _, c := range s.candidates {
		if c.Address == current {
			currentScore = c.Score
			break
		}
	}

	if best.Score >= currentScore {
		return nil
	}

	s.logger.Info("trying better address",
		slog.String("address", best.Address),
		slog.String("current", current),
	)

	sess, err := s.dial(ctx, best)
	if err != nil {
		if !errors.IsExpected(err) {
			return fmt.Errorf("upgrading to %s: %w", best.Address, err)
		}

		return nil
	}

	old := s.session
	s.install(sess, best.Address)
	old.Close()

	return nil
}
