// Package feed is the change notification stream of the portal.  Writers
// publish a Change after every committed mutation; readers subscribe per
// table, optionally narrowed by a Filter, and react by re-reading whatever
// they display.  Delivery is best effort and coalescing: a slow subscriber
// may miss individual changes but never misses that something changed.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SubscriberQueueSize bounds the pending changes per subscription.
const SubscriberQueueSize = 20

// Watched tables.
const (
	TableParts         = "quran_parts"
	TableSettings      = "app_settings"
	TableTracks        = "completed_tracks"
	TableNotifications = "notifications"
)

// Op is the kind of row mutation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("feed: bus closed")

// Change describes one mutation.  UserID is the row's owning user for
// tables that have one; RowID identifies the row when known.
type Change struct {
	Table  string    `json:"table"`
	Op     Op        `json:"op"`
	RowID  string    `json:"row_id,omitempty"`
	UserID uint64    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// NewChange stamps a change with the current time.
func NewChange(table string, op Op, rowID string) Change {
	return Change{Table: table, Op: op, RowID: rowID, At: time.Now().UTC()}
}

// Filter narrows a subscription.  The zero Filter matches every change,
// and a change without a UserID (such as one detected by polling) matches
// every filter.
type Filter struct {
	UserID uint64
}

// Match reports whether c passes the filter.
func (f Filter) Match(c Change) bool {
	return f.UserID == 0 || c.UserID == 0 || f.UserID == c.UserID
}

// Bus is a change feed transport.
type Bus interface {
	// Publish announces c to every matching subscriber.
	Publish(ctx context.Context, c Change) error
	// Subscribe registers interest in table.  The subscription ends when
	// ctx is cancelled or Close is called on it.
	Subscribe(ctx context.Context, table string, f Filter) (*Subscription, error)
	// Close ends every subscription and releases transport resources.
	Close() error
}

// Subscription delivers changes for one table.
type Subscription struct {
	Table  string
	Filter Filter

	ch      chan Change
	mu      sync.RWMutex
	closed  bool
	onClose func()
	stopCtx func() bool
	once    sync.Once
}

func newSubscription(table string, f Filter, onClose func()) *Subscription {
	return &Subscription{
		Table:   table,
		Filter:  f,
		ch:      make(chan Change, SubscriberQueueSize),
		onClose: onClose,
	}
}

// C returns the delivery channel.  It is closed when the subscription ends.
func (s *Subscription) C() <-chan Change { return s.ch }

// deliver queues c without blocking.  It reports false when the change was
// dropped because the subscriber is full or closed.
func (s *Subscription) deliver(c Change) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- c:
		return true
	default:
		return false
	}
}

// bindContext closes the subscription once ctx is done.
func (s *Subscription) bindContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopCtx = stop
	s.mu.Unlock()
}

// Close ends the subscription.  It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		stop := s.stopCtx
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}
