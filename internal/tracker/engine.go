// Package tracker implements the collaborative part tracker: conditional
// claims and releases, the archive-and-reset cycle, and the bridge that
// keeps an immutable snapshot of the grid in step with the change feed.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iliyamo/hajj-portal/internal/feed"
	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/repository"
)

// MaxGuestNameLen is the longest display name a guest may claim under,
// counted in runes.
const MaxGuestNameLen = 100

// writeTimeout bounds a submitted write once it has been detached from the
// caller's cancellation.
const writeTimeout = 10 * time.Second

// detach returns a context that ignores the caller's cancellation so that
// a submitted write runs to completion.
func detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// PartStore is the slot store used by the Engine.  *repository.PartRepo
// implements it.
type PartStore interface {
	ListAll(ctx context.Context) ([]model.Part, error)
	GetByID(ctx context.Context, id int) (model.Part, error)
	ClaimForUser(ctx context.Context, id int, userID uint64, at time.Time) error
	ClaimForGuest(ctx context.Context, id int, guestName, deviceID string, at time.Time) error
	Release(ctx context.Context, id int) error
}

// UserNotifier delivers a message to a registered user.
type UserNotifier interface {
	Notify(ctx context.Context, userID uint64, title, body string) error
}

// Engine executes claims and releases.  Uniqueness is decided by the
// store's conditional write; the engine never retries and never queues.
type Engine struct {
	parts    PartStore
	bus      feed.Bus
	notifier UserNotifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithNotifier makes admin overrides notify the displaced user.
func WithNotifier(n UserNotifier) EngineOption { return func(e *Engine) { e.notifier = n } }

// WithMetrics records claim and release outcomes.
func WithMetrics(m *Metrics) EngineOption { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

// NewEngine returns an Engine writing through parts and announcing changes
// on bus.  bus may be nil.
func NewEngine(parts PartStore, bus feed.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		parts:  parts,
		bus:    bus,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeGuestName trims name and checks it is usable as a display name.
func NormalizeGuestName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("guest_name is required")
	}
	if utf8.RuneCountInString(name) > MaxGuestNameLen {
		return "", validationError("guest_name must be at most %d characters", MaxGuestNameLen)
	}
	return name, nil
}

// Claim assigns part partID to actor if nobody holds it.  Guests must pass a
// display name; registered users' guestName is ignored.  The write is
// conditioned on the part being free at write time, so of two racing
// callers exactly one succeeds and the other gets ErrConflict.  Admins get
// no special treatment here.
func (e *Engine) Claim(ctx context.Context, actor identity.Identity, partID int, guestName string) (model.Part, error) {
	at := e.now().UTC()
	wctx, cancel := detach(ctx, writeTimeout)
	defer cancel()
	var err error
	switch actor.Kind {
	case identity.Registered:
		err = e.parts.ClaimForUser(wctx, partID, actor.UserID, at)
	case identity.Guest:
		name, verr := NormalizeGuestName(guestName)
		if verr != nil {
			e.metrics.claim("invalid")
			return model.Part{}, verr
		}
		if actor.DeviceID == "" {
			e.metrics.claim("invalid")
			return model.Part{}, validationError("device id is required")
		}
		guestName = name
		err = e.parts.ClaimForGuest(wctx, partID, name, actor.DeviceID, at)
	default:
		e.metrics.claim("invalid")
		return model.Part{}, validationError("unknown identity")
	}
	switch {
	case errors.Is(err, repository.ErrConflict):
		e.metrics.claim("conflict")
		return model.Part{}, fmt.Errorf("claim part %d: %w", partID, ErrConflict)
	case errors.Is(err, repository.ErrNotFound):
		e.metrics.claim("not_found")
		return model.Part{}, fmt.Errorf("claim part %d: %w", partID, ErrNotFound)
	case err != nil:
		e.metrics.claim("error")
		return model.Part{}, backendError("claim", err)
	}
	e.metrics.claim("ok")
	e.publish(ctx, feed.Change{Table: feed.TableParts, Op: feed.OpUpdate, RowID: strconv.Itoa(partID), UserID: actor.UserID, At: at})
	e.logger.Info("part claimed", "part", partID, "actor", actor.Key())

	p, err := e.parts.GetByID(ctx, partID)
	if err != nil {
		// the claim is committed; report it even if the re-read failed
		e.logger.Warn("re-read after claim failed", "part", partID, "err", err)
		p = model.Part{ID: partID, PartNumber: partID, ClaimedAt: &at}
		if actor.IsRegistered() {
			uid := actor.UserID
			p.ClaimedByUserID = &uid
		} else {
			dev := actor.DeviceID
			p.GuestName, p.DeviceID = &guestName, &dev
		}
	}
	return p, nil
}

// Release frees part partID.  The caller must be the current claimant or
// an admin, otherwise ErrPermissionDenied is returned and nothing is
// written.  Admin release of a free part is a no-op.  Ownership is checked
// against the row as read just before the write; the write itself is
// unconditional.
func (e *Engine) Release(ctx context.Context, actor identity.Identity, partID int) error {
	p, err := e.parts.GetByID(ctx, partID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		e.metrics.release("not_found")
		return fmt.Errorf("release part %d: %w", partID, ErrNotFound)
	case err != nil:
		e.metrics.release("error")
		return backendError("release", err)
	}
	owner := actor.Owns(p)
	if !owner && !actor.IsAdmin() {
		e.metrics.release("denied")
		return fmt.Errorf("release part %d: %w", partID, ErrPermissionDenied)
	}
	if !p.Claimed() {
		e.metrics.release("noop")
		return nil
	}
	wctx, cancel := detach(ctx, writeTimeout)
	defer cancel()
	if err := e.parts.Release(wctx, partID); err != nil {
		e.metrics.release("error")
		return backendError("release", err)
	}
	e.metrics.release("ok")
	at := e.now().UTC()
	e.publish(ctx, feed.Change{Table: feed.TableParts, Op: feed.OpUpdate, RowID: strconv.Itoa(partID), UserID: actor.UserID, At: at})
	e.logger.Info("part released", "part", partID, "actor", actor.Key(), "override", !owner)

	if !owner && p.ClaimedByUserID != nil && e.notifier != nil {
		title := fmt.Sprintf("Part %d released", p.PartNumber)
		body := fmt.Sprintf("An administrator released your claim on part %d.", p.PartNumber)
		if err := e.notifier.Notify(ctx, *p.ClaimedByUserID, title, body); err != nil {
			e.logger.Warn("notify displaced claimant failed", "part", partID, "user", *p.ClaimedByUserID, "err", err)
		}
	}
	return nil
}

// List returns the authoritative grid straight from the store.
func (e *Engine) List(ctx context.Context) ([]model.Part, error) {
	parts, err := e.parts.ListAll(ctx)
	if err != nil {
		return nil, backendError("list parts", err)
	}
	return parts, nil
}

func (e *Engine) publish(ctx context.Context, c feed.Change) {
	if e.bus == nil {
		return
	}
	// the write is committed; a lost notification only delays viewers
	if err := e.bus.Publish(context.WithoutCancel(ctx), c); err != nil {
		e.logger.Warn("publish change failed", "table", c.Table, "err", err)
	}
}
