package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iliyamo/hajj-portal/internal/feed"
	"github.com/iliyamo/hajj-portal/internal/model"
)

// PartLister reads the whole grid.
type PartLister interface {
	ListAll(ctx context.Context) ([]model.Part, error)
}

// StateReader reads the current round's name and completed count.
type StateReader interface {
	State(ctx context.Context, defaultName string) (model.TrackerState, error)
}

// Snapshot is an immutable copy of the grid and round state.  Readers must
// not modify it; a new Snapshot replaces the old one on every refresh.
type Snapshot struct {
	Parts   []model.Part       `json:"parts"`
	State   model.TrackerState `json:"state"`
	Version uint64             `json:"version"`
	At      time.Time          `json:"at"`
}

// Claimed counts the claimed parts in s.
func (s *Snapshot) Claimed() int {
	n := 0
	for _, p := range s.Parts {
		if p.Claimed() {
			n++
		}
	}
	return n
}

// Bridge keeps the latest Snapshot in step with the change feed.  On every
// change it re-reads the full grid instead of patching, so the snapshot is
// always a consistent read of the store.  Readers get the current pointer
// without locking.
type Bridge struct {
	parts       PartLister
	settings    StateReader
	bus         feed.Bus
	defaultName string
	metrics     *Metrics
	logger      *slog.Logger

	refreshMu sync.Mutex
	current   atomic.Pointer[Snapshot]
	version   atomic.Uint64

	watchMu  sync.Mutex
	watchers map[chan *Snapshot]struct{}
}

func NewBridge(parts PartLister, settings StateReader, bus feed.Bus, defaultName string, metrics *Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		parts:       parts,
		settings:    settings,
		bus:         bus,
		defaultName: defaultName,
		metrics:     metrics,
		logger:      logger,
		watchers:    make(map[chan *Snapshot]struct{}),
	}
}

// Current returns the latest snapshot, or nil before the first refresh.
func (b *Bridge) Current() *Snapshot {
	return b.current.Load()
}

// Refresh re-reads the grid and settings and installs a new snapshot.
// Concurrent calls are serialized so versions increase monotonically.  On
// error the previous snapshot stays in place.
func (b *Bridge) Refresh(ctx context.Context) (*Snapshot, error) {
	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()

	start := time.Now()
	parts, err := b.parts.ListAll(ctx)
	if err != nil {
		return nil, backendError("refresh parts", err)
	}
	state, err := b.settings.State(ctx, b.defaultName)
	if err != nil {
		return nil, backendError("refresh settings", err)
	}
	snap := &Snapshot{
		Parts:   parts,
		State:   state,
		Version: b.version.Add(1),
		At:      time.Now().UTC(),
	}
	b.current.Store(snap)
	b.metrics.snapshot(snap.Claimed(), time.Since(start))
	b.broadcast(snap)
	return snap, nil
}

// Snapshot returns the current snapshot, refreshing first if none exists.
func (b *Bridge) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := b.Current(); s != nil {
		return s, nil
	}
	return b.Refresh(ctx)
}

// Run loads the first snapshot and then refreshes on every change to the
// parts or settings tables until ctx ends.  A burst of changes is folded
// into a single refresh.
func (b *Bridge) Run(ctx context.Context) error {
	if b.bus == nil {
		return fmt.Errorf("bridge: no change feed")
	}
	parts, err := b.bus.Subscribe(ctx, feed.TableParts, feed.Filter{})
	if err != nil {
		return fmt.Errorf("bridge: subscribe parts: %w", err)
	}
	defer parts.Close()
	settings, err := b.bus.Subscribe(ctx, feed.TableSettings, feed.Filter{})
	if err != nil {
		return fmt.Errorf("bridge: subscribe settings: %w", err)
	}
	defer settings.Close()

	if _, err := b.Refresh(ctx); err != nil {
		b.logger.Warn("initial snapshot failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-parts.C():
			if !ok {
				return nil
			}
		case _, ok := <-settings.C():
			if !ok {
				return nil
			}
		}
		drain(parts.C())
		drain(settings.C())
		if _, err := b.Refresh(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("snapshot refresh failed", "err", err)
		}
	}
}

func drain(ch <-chan feed.Change) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Watch returns a channel that receives every new snapshot, starting with
// the current one if any.  Slow readers only see the newest snapshot.  The
// channel is closed when ctx ends.
func (b *Bridge) Watch(ctx context.Context) <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	if s := b.Current(); s != nil {
		ch <- s
	}
	b.watchMu.Lock()
	b.watchers[ch] = struct{}{}
	b.watchMu.Unlock()

	context.AfterFunc(ctx, func() {
		b.watchMu.Lock()
		delete(b.watchers, ch)
		close(ch)
		b.watchMu.Unlock()
	})
	return ch
}

func (b *Bridge) broadcast(s *Snapshot) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for ch := range b.watchers {
		select {
		case ch <- s:
			continue
		default:
		}
		// replace the stale pending snapshot
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
