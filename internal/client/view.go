package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/hajj-portal/internal/tracker"
)

// API is the part of Client a View needs.
type API interface {
	Parts(ctx context.Context) (tracker.GridView, error)
	Claim(ctx context.Context, id int, guestName string) (tracker.PartView, error)
	Release(ctx context.Context, id int) error
}

// Pending operation kinds.
const (
	OpClaim   = "claim"
	OpRelease = "release"
)

// SelfName is shown as the claimant of a registered caller's pending claim.
const SelfName = "you"

// Pending marks a write that was applied locally but not yet confirmed.
// Name and Guest describe the claimant of a pending claim.
type Pending struct {
	Op     string
	PartID int
	Name   string
	Guest  bool
	Since  time.Time
}

// View is a local cache of the grid for one caller.  Snapshots are never
// modified in place: every refresh, optimistic write and rollback installs
// a new one.  At most one write is pending at a time.
type View struct {
	api API

	mu      sync.Mutex
	base    *tracker.GridView // last authoritative grid
	pending *Pending
	shown   *tracker.GridView // base with the pending write applied
	now     func() time.Time
}

// ErrBusy is returned when a write is started while another is pending.
var ErrBusy = errors.New("another change is still pending")

func NewView(api API) *View {
	return &View{api: api, now: time.Now}
}

// Snapshot returns the grid to display and the pending write, if any.  The
// grid is nil before the first Load.
func (v *View) Snapshot() (*tracker.GridView, *Pending) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shown, v.pending
}

// Load replaces the cache with an authoritative read.  On error the
// previous cache stays.
func (v *View) Load(ctx context.Context) error {
	g, err := v.api.Parts(ctx)
	if err != nil {
		return err
	}
	v.Replace(g)
	return nil
}

// Replace installs g as the authoritative grid, for example one received
// from the snapshot stream.  A pending write stays applied on top.
func (v *View) Replace(g tracker.GridView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.base = &g
	v.shown = overlay(v.base, v.pending)
}

// ClaimOptimistic shows part id as the caller's immediately, then submits
// the claim.  Once submitted the write runs to completion even if ctx is
// cancelled.  On success the server's version of the part is installed; on
// any error the pending mark is dropped and the cache is replaced by a
// fresh read, so a lost race shows the real claimant.  A failed re-read is
// joined to the returned error.
func (v *View) ClaimOptimistic(ctx context.Context, id int, guestName string) (tracker.PartView, error) {
	pending := Pending{Op: OpClaim, PartID: id, Name: strings.TrimSpace(guestName)}
	pending.Guest = pending.Name != ""
	if !pending.Guest {
		pending.Name = SelfName
	}
	if err := v.begin(pending); err != nil {
		return tracker.PartView{}, err
	}
	p, err := v.api.Claim(context.WithoutCancel(ctx), id, guestName)
	if err != nil {
		return tracker.PartView{}, v.rollback(ctx, err)
	}
	v.commit(p)
	return p, nil
}

// ReleaseOptimistic shows part id as free immediately, then submits the
// release with the same rollback rules as ClaimOptimistic.
func (v *View) ReleaseOptimistic(ctx context.Context, id int) error {
	if err := v.begin(Pending{Op: OpRelease, PartID: id}); err != nil {
		return err
	}
	if err := v.api.Release(context.WithoutCancel(ctx), id); err != nil {
		return v.rollback(ctx, err)
	}
	v.commit(tracker.PartView{ID: id, Status: tracker.StatusAvailable})
	return nil
}

func (v *View) begin(p Pending) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pending != nil {
		return ErrBusy
	}
	p.Since = v.now()
	v.pending = &p
	v.shown = overlay(v.base, v.pending)
	return nil
}

// commit folds the confirmed part into the authoritative grid.
func (v *View) commit(p tracker.PartView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = nil
	if v.base != nil {
		v.base = withPart(v.base, p)
	}
	v.shown = v.base
}

// rollback drops the pending write and re-reads the grid.  The stale grid
// stays shown when the re-read fails.
func (v *View) rollback(ctx context.Context, cause error) error {
	v.mu.Lock()
	v.pending = nil
	v.shown = v.base
	v.mu.Unlock()
	if err := v.Load(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(cause, fmt.Errorf("reload parts: %w", err))
	}
	return cause
}

// overlay returns base with the pending write applied.
func overlay(base *tracker.GridView, p *Pending) *tracker.GridView {
	if base == nil || p == nil {
		return base
	}
	for _, part := range base.Parts {
		if part.ID != p.PartID {
			continue
		}
		switch p.Op {
		case OpClaim:
			part.Status = tracker.StatusMine
			part.ClaimantName = p.Name
			part.IsGuest = p.Guest
			part.CanRelease = true
		case OpRelease:
			part.Status = tracker.StatusAvailable
			part.ClaimantName = ""
			part.IsGuest = false
			part.DeviceID = ""
			part.ClaimedAt = nil
			part.CanRelease = false
		}
		return withPart(base, part)
	}
	return base
}

// withPart returns a copy of g with p replacing the part of the same id and
// the counters recomputed.
func withPart(g *tracker.GridView, p tracker.PartView) *tracker.GridView {
	out := *g
	out.Parts = make([]tracker.PartView, len(g.Parts))
	copy(out.Parts, g.Parts)
	out.MineCount, out.Claimed = 0, 0
	for i := range out.Parts {
		if out.Parts[i].ID == p.ID {
			if p.PartNumber == 0 {
				p.PartNumber = out.Parts[i].PartNumber
			}
			out.Parts[i] = p
		}
		switch out.Parts[i].Status {
		case tracker.StatusMine:
			out.MineCount++
			out.Claimed++
		case tracker.StatusTaken:
			out.Claimed++
		}
	}
	return &out
}
