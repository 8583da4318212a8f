package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prober computes a cheap fingerprint of a table's contents.  Two equal
// fingerprints mean nothing a subscriber cares about has changed.
type Prober interface {
	Fingerprint(ctx context.Context, table string) (string, error)
}

// PollBus detects changes by fingerprinting tables on an interval.  It
// catches writes made by other processes against the same database without
// any push infrastructure.  Changes published in-process are delivered
// immediately as well.
type PollBus struct {
	local    *MemoryBus
	prober   Prober
	interval time.Duration
	tables   []string
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]string
}

// NewPollBus returns a bus that probes tables every interval once Run is
// started.
func NewPollBus(prober Prober, interval time.Duration, tables []string, promRegistry prometheus.Registerer, logger *slog.Logger) *PollBus {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollBus{
		local:    newMemoryBus(newFeedMetrics(promRegistry, "poll"), logger),
		prober:   prober,
		interval: interval,
		tables:   tables,
		logger:   logger,
		last:     make(map[string]string),
	}
}

func (b *PollBus) Publish(ctx context.Context, c Change) error {
	return b.local.Publish(ctx, c)
}

func (b *PollBus) Subscribe(ctx context.Context, table string, f Filter) (*Subscription, error) {
	return b.local.Subscribe(ctx, table, f)
}

func (b *PollBus) Close() error {
	return b.local.Close()
}

// Run polls until ctx is done.
func (b *PollBus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	b.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Poll(ctx)
		}
	}
}

// Poll probes every table once and publishes an update for each whose
// fingerprint moved.  The first observation of a table only records a
// baseline.
func (b *PollBus) Poll(ctx context.Context) {
	for _, table := range b.tables {
		fp, err := b.prober.Fingerprint(ctx, table)
		if err != nil {
			b.logger.Warn("feed poll failed", "table", table, "err", err)
			continue
		}
		b.mu.Lock()
		prev, seen := b.last[table]
		b.last[table] = fp
		b.mu.Unlock()
		if seen && prev != fp {
			_ = b.local.Publish(ctx, NewChange(table, OpUpdate, ""))
		}
	}
}
