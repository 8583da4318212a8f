package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type subscriberID int

// MemoryBus fans changes out to subscribers inside one process.  It is the
// default transport for single-instance deployments and the local fan-out
// stage of the other transports.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[subscriberID]*Subscription
	lastSubID   subscriberID
	closed      bool
	metrics     *feedMetrics
	logger      *slog.Logger
}

// NewMemoryBus returns an empty bus.  promRegistry and logger may be nil.
func NewMemoryBus(promRegistry prometheus.Registerer, logger *slog.Logger) *MemoryBus {
	return newMemoryBus(newFeedMetrics(promRegistry, "memory"), logger)
}

func newMemoryBus(metrics *feedMetrics, logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[subscriberID]*Subscription),
		metrics:     metrics,
		logger:      logger,
	}
}

// Publish delivers c to every subscriber of c.Table whose filter matches.
// It never blocks on a slow subscriber.
func (b *MemoryBus) Publish(_ context.Context, c Change) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// gather under the read lock, deliver outside it
	subs := make([]*Subscription, 0, len(b.subscribers[c.Table]))
	for _, s := range b.subscribers[c.Table] {
		if s.Filter.Match(c) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	b.metrics.incPublished(c.Table)
	for _, s := range subs {
		ok := s.deliver(c)
		b.metrics.observeDelivery(c.Table, ok)
		if !ok {
			b.logger.Debug("feed subscriber full, change coalesced", "table", c.Table)
		}
	}
	return nil
}

// Subscribe registers a subscription that lives until ctx is done or it is
// closed.
func (b *MemoryBus) Subscribe(ctx context.Context, table string, f Filter) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.lastSubID++
	id := b.lastSubID
	sub := newSubscription(table, f, func() { b.unsubscribe(table, id) })
	if _, ok := b.subscribers[table]; !ok {
		b.subscribers[table] = make(map[subscriberID]*Subscription)
	}
	b.subscribers[table][id] = sub
	b.metrics.addSubscribers(table, 1)
	b.mu.Unlock()

	sub.bindContext(ctx)
	return sub, nil
}

func (b *MemoryBus) unsubscribe(table string, id subscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[table]
	if !ok {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, table)
	}
	b.metrics.addSubscribers(table, -1)
}

// Close ends every subscription.  Further calls to Publish and Subscribe
// return ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subscribers
	b.subscribers = make(map[string]map[subscriberID]*Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.Close()
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on table.
func (b *MemoryBus) Subscribers(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[table])
}
