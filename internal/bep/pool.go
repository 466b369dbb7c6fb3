package bep

import (
	"context"
	"sort"
	"sync"

	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

// Pool tracks the live session of each peer.
type Pool struct {
	mu       sync.Mutex
	sessions map[protocol.DeviceID]*Session
	changed  chan struct{}
}

func NewPool() *Pool {
	return &Pool{
		sessions: make(map[protocol.DeviceID]*Session),
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes waiters. Callers hold mu.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Add makes s the session of its peer and returns the session it
// replaced, if any. The session is removed automatically once it ends.
func (p *Pool) Add(s *Session) *Session {
	p.mu.Lock()
	prev := p.sessions[s.RemoteID()]
	p.sessions[s.RemoteID()] = s
	p.notifyLocked()
	p.mu.Unlock()

	go func() {
		<-s.Done()
		p.Remove(s)
	}()

	if prev == s {
		return nil
	}

	return prev
}

// Remove drops s if it is still the session of its peer.
func (p *Pool) Remove(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessions[s.RemoteID()] != s {
		return false
	}

	delete(p.sessions, s.RemoteID())
	p.notifyLocked()

	return true
}

// Get returns the active session of a peer, or nil.
func (p *Pool) Get(device protocol.DeviceID) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sessions[device]
	if s == nil || s.State() != StateActive {
		return nil
	}

	return s
}

// Sessions returns all active sessions ordered by device id.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	out := make([]*Session, 0, len(p.sessions))

	for _, s := range p.sessions {
		if s.State() == StateActive {
			out = append(out, s)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID().Compare(out[j].RemoteID()) < 0 })

	return out
}

// Usable returns the active sessions that share folder.
func (p *Pool) Usable(folder string) []*Session {
	var out []*Session

	for _, s := range p.Sessions() {
		if s.ClusterConfig().IsShared(folder) {
			out = append(out, s)
		}
	}

	return out
}

// Wait blocks until the peer has an active session.
func (p *Pool) Wait(ctx context.Context, device protocol.DeviceID) (*Session, error) {
	for {
		p.mu.Lock()
		s := p.sessions[device]
		changed := p.changed
		p.mu.Unlock()

		if s != nil && s.State() == StateActive {
			return s, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CloseAll closes every session.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))

	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
