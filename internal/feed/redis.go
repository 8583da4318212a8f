package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RedisBus carries changes between server instances over Redis pub/sub.
// Each table maps to one channel "<prefix>:<table>"; the bus holds a single
// Redis subscription per table and fans received changes out locally.
type RedisBus struct {
	client *redis.Client
	prefix string
	local  *MemoryBus
	logger *slog.Logger

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	closed  bool
	wg      sync.WaitGroup
}

// NewRedisBus returns a bus publishing through client.  promRegistry and
// logger may be nil.
func NewRedisBus(client *redis.Client, prefix string, promRegistry prometheus.Registerer, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "feed"
	}
	return &RedisBus{
		client:  client,
		prefix:  prefix,
		local:   newMemoryBus(newFeedMetrics(promRegistry, "redis"), logger),
		logger:  logger,
		pubsubs: make(map[string]*redis.PubSub),
	}
}

func (b *RedisBus) channel(table string) string {
	return b.prefix + ":" + table
}

// Publish sends c to every instance subscribed to its table, including this
// one.
func (b *RedisBus) Publish(ctx context.Context, c Change) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(c.Table), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe makes sure a Redis subscription exists for table and registers
// a local subscription on it.
func (b *RedisBus) Subscribe(ctx context.Context, table string, f Filter) (*Subscription, error) {
	if err := b.ensureTable(ctx, table); err != nil {
		return nil, err
	}
	return b.local.Subscribe(ctx, table, f)
}

func (b *RedisBus) ensureTable(ctx context.Context, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.pubsubs[table]; ok {
		return nil
	}
	ps := b.client.Subscribe(ctx, b.channel(table))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", table, err)
	}
	b.pubsubs[table] = ps
	b.wg.Add(1)
	go b.forward(table, ps)
	return nil
}

func (b *RedisBus) forward(table string, ps *redis.PubSub) {
	defer b.wg.Done()
	for msg := range ps.Channel() {
		var c Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			b.logger.Warn("dropping malformed change", "table", table, "err", err)
			continue
		}
		if c.Table == "" {
			c.Table = table
		}
		_ = b.local.Publish(context.Background(), c)
	}
}

// Close unsubscribes from Redis and ends every local subscription.  The
// Redis client itself is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubsubs := b.pubsubs
	b.pubsubs = nil
	b.mu.Unlock()

	var firstErr error
	for _, ps := range pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	_ = b.local.Close()
	return firstErr
}
