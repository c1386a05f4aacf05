// Package loadbalancer implements the ring group's BALANCED-mode
// destination selection: a Backend tracks an in-flight call count per
// destination and returns the least-loaded one. Grounded on
// original_source/genesis/group/load_balancer.py's LoadBalancerBackend
// protocol and its two reference implementations.
package loadbalancer

import (
	"context"
	"sync"
)

// Backend tracks in-flight call counts per destination for ring group
// load balancing.
type Backend interface {
	// Increment records one more in-flight call to destination.
	Increment(ctx context.Context, destination string) error
	// Decrement records one fewer in-flight call to destination. Counts
	// never go below zero.
	Decrement(ctx context.Context, destination string) error
	// GetCount returns the current in-flight count for destination.
	GetCount(ctx context.Context, destination string) (int, error)
	// GetLeastLoaded returns the destination with the lowest count
	// among destinations, preferring the first one seen on ties. Returns
	// "" if destinations is empty.
	GetLeastLoaded(ctx context.Context, destinations []string) (string, error)
}

// InMemory is a map-based Backend suitable for a single-process
// deployment. Grounded on InMemoryLoadBalancer.
type InMemory struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewInMemory builds an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{counts: make(map[string]int)}
}

func (b *InMemory) Increment(_ context.Context, destination string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[destination]++
	return nil
}

func (b *InMemory) Decrement(_ context.Context, destination string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.counts[destination]
	if current <= 0 {
		return nil
	}
	current--
	if current == 0 {
		delete(b.counts, destination)
	} else {
		b.counts[destination] = current
	}
	return nil
}

func (b *InMemory) GetCount(_ context.Context, destination string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[destination], nil
}

func (b *InMemory) GetLeastLoaded(_ context.Context, destinations []string) (string, error) {
	if len(destinations) == 0 {
		return "", nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	best := destinations[0]
	bestCount := b.counts[best]
	for _, d := range destinations[1:] {
		if c := b.counts[d]; c < bestCount {
			best, bestCount = d, c
		}
	}
	return best, nil
}
