package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

func grid(n int) tracker.GridView {
	g := tracker.GridView{State: model.TrackerState{Name: "Cycle A"}}
	for i := 1; i <= n; i++ {
		g.Parts = append(g.Parts, tracker.PartView{ID: i, PartNumber: i, Status: tracker.StatusAvailable})
	}
	return g
}

// fakeAPI serves a grid and lets a test hook into each write.
type fakeAPI struct {
	mu        sync.Mutex
	grid      tracker.GridView
	claimErr  error
	partsErr  error
	onClaim   func()
	reads     int
	claimSeen []int
}

func (f *fakeAPI) Parts(context.Context) (tracker.GridView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.grid, f.partsErr
}

func (f *fakeAPI) Claim(_ context.Context, id int, _ string) (tracker.PartView, error) {
	if f.onClaim != nil {
		f.onClaim()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimSeen = append(f.claimSeen, id)
	if f.claimErr != nil {
		return tracker.PartView{}, f.claimErr
	}
	p := tracker.PartView{ID: id, PartNumber: id, Status: tracker.StatusMine, ClaimantName: "Ali", IsGuest: true, CanRelease: true}
	return p, nil
}

func (f *fakeAPI) Release(context.Context, int) error { return nil }

func TestViewOptimisticClaim(t *testing.T) {
	api := &fakeAPI{grid: grid(30)}
	v := NewView(api)
	require.NoError(t, v.Load(context.Background()))
	before, _ := v.Snapshot()

	api.onClaim = func() {
		shown, pending := v.Snapshot()
		require.NotNil(t, pending)
		assert.Equal(t, OpClaim, pending.Op)
		assert.Equal(t, tracker.StatusMine, shown.Parts[4].Status)
		assert.Equal(t, "Ali", shown.Parts[4].ClaimantName)
		assert.True(t, shown.Parts[4].IsGuest)
		assert.Equal(t, 1, shown.MineCount)

		_, err := v.ClaimOptimistic(context.Background(), 6, "Ali")
		assert.ErrorIs(t, err, ErrBusy)
	}
	p, err := v.ClaimOptimistic(context.Background(), 5, "Ali")
	require.NoError(t, err)
	assert.Equal(t, "Ali", p.ClaimantName)

	shown, pending := v.Snapshot()
	assert.Nil(t, pending)
	assert.Equal(t, tracker.StatusMine, shown.Parts[4].Status)
	assert.Equal(t, 1, shown.Claimed)
	assert.Equal(t, 1, api.reads, "success needs no re-read")
	assert.Equal(t, tracker.StatusAvailable, before.Parts[4].Status, "snapshots are not modified in place")
}

func TestViewRollsBackOnConflict(t *testing.T) {
	api := &fakeAPI{grid: grid(30)}
	v := NewView(api)
	require.NoError(t, v.Load(context.Background()))

	// someone else won the race; the server now shows them as claimant
	api.claimErr = &APIError{Status: http.StatusConflict, kind: tracker.ErrConflict}
	api.grid = grid(30)
	api.grid.Parts[11] = tracker.PartView{ID: 12, PartNumber: 12, Status: tracker.StatusTaken, ClaimantName: "Omar", IsGuest: true}
	api.grid.Claimed = 1

	_, err := v.ClaimOptimistic(context.Background(), 12, "Ali")
	require.ErrorIs(t, err, tracker.ErrConflict)

	shown, pending := v.Snapshot()
	assert.Nil(t, pending)
	assert.Equal(t, tracker.StatusTaken, shown.Parts[11].Status)
	assert.Equal(t, "Omar", shown.Parts[11].ClaimantName)
	assert.Equal(t, 0, shown.MineCount)
	assert.Equal(t, 2, api.reads)
}

func TestViewPendingClaimForRegisteredCaller(t *testing.T) {
	api := &fakeAPI{grid: grid(3)}
	v := NewView(api)
	require.NoError(t, v.Load(context.Background()))

	api.onClaim = func() {
		shown, _ := v.Snapshot()
		assert.Equal(t, SelfName, shown.Parts[1].ClaimantName)
		assert.False(t, shown.Parts[1].IsGuest)
	}
	_, err := v.ClaimOptimistic(context.Background(), 2, "  ")
	require.NoError(t, err)
}

func TestViewRollbackReportsFailedReload(t *testing.T) {
	api := &fakeAPI{grid: grid(3)}
	v := NewView(api)
	require.NoError(t, v.Load(context.Background()))

	api.claimErr = &APIError{Status: http.StatusConflict, kind: tracker.ErrConflict}
	api.partsErr = errors.New("connection refused")
	_, err := v.ClaimOptimistic(context.Background(), 2, "Ali")
	require.ErrorIs(t, err, tracker.ErrConflict)
	assert.ErrorIs(t, err, api.partsErr)
	assert.Contains(t, err.Error(), "reload parts")

	shown, pending := v.Snapshot()
	assert.Nil(t, pending)
	assert.Equal(t, tracker.StatusAvailable, shown.Parts[1].Status, "the last good grid stays")
}

func TestViewReplaceKeepsPendingOverlay(t *testing.T) {
	api := &fakeAPI{grid: grid(3)}
	v := NewView(api)
	require.NoError(t, v.Load(context.Background()))
	require.NoError(t, v.begin(Pending{Op: OpRelease, PartID: 2}))

	g := grid(3)
	g.Parts[1].Status = tracker.StatusMine
	g.State.CompletedCount = 4
	v.Replace(g)

	shown, pending := v.Snapshot()
	require.NotNil(t, pending)
	assert.Equal(t, tracker.StatusAvailable, shown.Parts[1].Status)
	assert.Equal(t, 4, shown.State.CompletedCount)
}

func TestClientErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/parts/1/claim":
			assert.Equal(t, "dev_test", r.Header.Get(DeviceHeader))
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "Ali", body["guest_name"])
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"part already taken"}`)
		case "/v1/parts/2/claim":
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":"permission denied"}`)
		case "/v1/tracker":
			fmt.Fprint(w, `{"current_track_name":"Cycle A","khatma_count":3}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"archive partially applied","fatal":true}`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithDevice("dev_test"))
	ctx := context.Background()

	_, err := c.Claim(ctx, 1, "Ali")
	assert.ErrorIs(t, err, tracker.ErrConflict)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "part already taken", apiErr.Message)

	_, err = c.Claim(ctx, 2, "")
	assert.ErrorIs(t, err, tracker.ErrPermissionDenied)
	assert.ErrorIs(t, c.Release(ctx, 2), tracker.ErrPermissionDenied)

	state, err := c.Tracker(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TrackerState{Name: "Cycle A", CompletedCount: 3}, state)

	_, err = c.Parts(ctx)
	assert.ErrorIs(t, err, tracker.ErrPartialArchive)
	assert.True(t, tracker.IsFatal(err))

	srv.Close()
	_, err = c.Tracker(ctx)
	assert.ErrorIs(t, err, tracker.ErrBackendUnavailable)
}
