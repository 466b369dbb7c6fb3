// Package events carries engine notifications to interested components.
package events

import (
	"context"
	"sync"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

// Buffer sizes per subscription.
const (
	recordsBuffer = 64
	fullBuffer    = 16
	statsBuffer   = 1
)

// RecordsAcquired is published after a batch of index records from a peer
// has been committed.
type RecordsAcquired struct {
	Folder    string
	Device    protocol.DeviceID
	Records   []models.FileRecord
	IndexInfo models.IndexInfo
}

// FullIndexAcquired is published when every folder shared with a peer has
// been fully ingested.
type FullIndexAcquired struct {
	Device protocol.DeviceID
	Folder string
}

// FolderStatsUpdated carries the latest statistics of a folder.
type FolderStatsUpdated struct {
	Stats models.FolderStats
}

// Bus groups the engine's topics. Record events are never dropped: a
// publisher waits for slow subscribers. Stats events are conflated: a slow
// subscriber only sees the latest value.
type Bus struct {
	RecordsAcquired    *Topic[RecordsAcquired]
	FullIndexAcquired  *Topic[FullIndexAcquired]
	FolderStatsUpdated *Topic[FolderStatsUpdated]
}

func NewBus() *Bus {
	return &Bus{
		RecordsAcquired:    NewTopic[RecordsAcquired](recordsBuffer, false),
		FullIndexAcquired:  NewTopic[FullIndexAcquired](fullBuffer, false),
		FolderStatsUpdated: NewTopic[FolderStatsUpdated](statsBuffer, true),
	}
}

// Topic fans values out to subscribers.
type Topic[T any] struct {
	capacity int
	conflate bool

	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

// NewTopic creates a topic whose subscriptions buffer capacity values.
// With conflate set, publishing never blocks and replaces the oldest
// buffered value when a subscriber is full.
func NewTopic[T any](capacity int, conflate bool) *Topic[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Topic[T]{
		capacity: capacity,
		conflate: conflate,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Subscription receives values published after it was created.
type Subscription[T any] struct {
	C <-chan T

	ch    chan T
	done  chan struct{}
	once  sync.Once
	topic *Topic[T]
}

// Subscribe registers a new subscriber.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, t.capacity)
	s := &Subscription[T]{C: ch, ch: ch, done: make(chan struct{}), topic: t}

	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	return s
}

// Close unregisters the subscription. Publishers blocked on it are
// released. C is not closed.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.topic.mu.Lock()
		delete(s.topic.subs, s)
		s.topic.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the subscription is closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Publish delivers v to every current subscriber. On a bounded topic it
// blocks until each subscriber accepted the value or closed, or ctx ends.
func (t *Topic[T]) Publish(ctx context.Context, v T) error {
	t.mu.Lock()
	subs := make([]*Subscription[T], 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if t.conflate {
			s.offer(v)
			continue
		}

		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// offer delivers without blocking, discarding the oldest buffered value
// when the buffer is full.
func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case <-s.done:
			return
		case s.ch <- v:
			return
		default:
		}

		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.subs)
}
