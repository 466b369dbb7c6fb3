// Package discovery keeps the candidate addresses of every known device
// and feeds them to connection supervisors as they change.
package discovery

import (
	"context"
	"slices"
	"sync"

	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

// Address sources.
const (
	SourceStatic = "static"
	SourceLocal  = "local"
)

// Scores of addresses that have not been probed or could not be reached.
const (
	UnprobedScore    = 10_000
	UnreachableScore = 1_000_000
)

// Registry merges addresses from every source. Scores set by probing
// survive source updates for the same address.
type Registry struct {
	mu       sync.Mutex
	sources  map[string]map[protocol.DeviceID][]models.DeviceAddress
	scores   map[string]int
	watchers map[protocol.DeviceID]map[*watcher]struct{}
}

type watcher struct {
	ch chan []models.DeviceAddress
}

// offer replaces any undelivered value with addrs.
func (w *watcher) offer(addrs []models.DeviceAddress) {
	select {
	case <-w.ch:
	default:
	}

	w.ch <- addrs
}

func NewRegistry() *Registry {
	return &Registry{
		sources:  make(map[string]map[protocol.DeviceID][]models.DeviceAddress),
		scores:   make(map[string]int),
		watchers: make(map[protocol.DeviceID]map[*watcher]struct{}),
	}
}

// Set replaces the addresses one source knows for a device. An empty list
// removes them.
func (r *Registry) Set(source string, device protocol.DeviceID, addrs []models.DeviceAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setLocked(source, device, addrs)
	r.notifyLocked(device)
}

// Replace swaps the complete view of a source. Devices missing from byDevice
// lose that source's addresses.
func (r *Registry) Replace(source string, byDevice map[protocol.DeviceID][]models.DeviceAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make(map[protocol.DeviceID]struct{})

	for device := range r.sources[source] {
		if _, ok := byDevice[device]; !ok {
			r.setLocked(source, device, nil)
			changed[device] = struct{}{}
		}
	}

	for device, addrs := range byDevice {
		if slices.Equal(r.sources[source][device], addrs) {
			continue
		}

		r.setLocked(source, device, addrs)
		changed[device] = struct{}{}
	}

	for device := range changed {
		r.notifyLocked(device)
	}
}

func (r *Registry) setLocked(source string, device protocol.DeviceID, addrs []models.DeviceAddress) {
	bySource := r.sources[source]
	if bySource == nil {
		bySource = make(map[protocol.DeviceID][]models.DeviceAddress)
		r.sources[source] = bySource
	}

	if len(addrs) == 0 {
		delete(bySource, device)
		return
	}

	bySource[device] = slices.Clone(addrs)
}

// Score records a probe result for an address of a device.
func (r *Registry) Score(device protocol.DeviceID, address string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.scores[address]; ok && old == score {
		return
	}

	r.scores[address] = score
	r.notifyLocked(device)
}

// Addresses returns the merged candidates of a device. The same address
// from several sources appears once, as a local address if any source
// found it locally.
func (r *Registry) Addresses(device protocol.DeviceID) []models.DeviceAddress {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.addressesLocked(device)
}

func (r *Registry) addressesLocked(device protocol.DeviceID) []models.DeviceAddress {
	merged := make(map[string]models.DeviceAddress)

	for _, bySource := range r.sources {
		for _, a := range bySource[device] {
			if prev, ok := merged[a.Address]; ok && prev.Producer == models.ProducerLocal {
				continue
			}

			if score, ok := r.scores[a.Address]; ok {
				a.Score = score
			}

			merged[a.Address] = a
		}
	}

	out := make([]models.DeviceAddress, 0, len(merged))
	for _, a := range merged {
		out = append(out, a)
	}

	slices.SortFunc(out, func(a, b models.DeviceAddress) int {
		if a.Score != b.Score {
			return a.Score - b.Score
		}

		if a.Address < b.Address {
			return -1
		}

		if a.Address > b.Address {
			return 1
		}

		return 0
	})

	return out
}

// Devices returns every device some source has an address for.
func (r *Registry) Devices() []protocol.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[protocol.DeviceID]struct{})

	for _, bySource := range r.sources {
		for device := range bySource {
			seen[device] = struct{}{}
		}
	}

	out := make([]protocol.DeviceID, 0, len(seen))
	for device := range seen {
		out = append(out, device)
	}

	slices.SortFunc(out, func(a, b protocol.DeviceID) int { return a.Compare(b) })

	return out
}

// Watch returns a channel that receives the device's current addresses
// immediately and again after every change. Only the latest set is kept
// for a slow reader. The channel is closed when ctx is done.
func (r *Registry) Watch(ctx context.Context, device protocol.DeviceID) <-chan []models.DeviceAddress {
	w := &watcher{ch: make(chan []models.DeviceAddress, 1)}

	r.mu.Lock()
	if r.watchers[device] == nil {
		r.watchers[device] = make(map[*watcher]struct{})
	}

	r.watchers[device][w] = struct{}{}
	w.offer(r.addressesLocked(device))
	r.mu.Unlock()

	out := make(chan []models.DeviceAddress)

	go func() {
		defer close(out)

		defer func() {
			r.mu.Lock()
			delete(r.watchers[device], w)
			r.mu.Unlock()
		}()

		for {
			select {
			case addrs := <-w.ch:
				select {
				case out <- addrs:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (r *Registry) notifyLocked(device protocol.DeviceID) {
	if len(r.watchers[device]) == 0 {
		return
	}

	addrs := r.addressesLocked(device)
	for w := range r.watchers[device] {
		w.offer(addrs)
	}
}
