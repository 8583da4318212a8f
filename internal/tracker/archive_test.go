package tracker_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/hajj-portal/internal/feed"
	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/queue"
	"github.com/iliyamo/hajj-portal/internal/testutil"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

var errInjected = errors.New("injected failure")

// faultyTxn fails selected statements or the transaction end.  The
// underlying transaction is always really ended so the connection returns
// to the pool.
type faultyTxn struct {
	*sql.Tx
	failQuery    string
	failExec     string
	failRollback bool
	failCommit   bool
}

func (f *faultyTxn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if f.failQuery != "" && strings.Contains(query, f.failQuery) {
		return nil, errInjected
	}
	return f.Tx.QueryContext(ctx, query, args...)
}

func (f *faultyTxn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if f.failExec != "" && strings.Contains(query, f.failExec) {
		return nil, errInjected
	}
	return f.Tx.ExecContext(ctx, query, args...)
}

func (f *faultyTxn) Rollback() error {
	err := f.Tx.Rollback()
	if f.failRollback {
		return errInjected
	}
	return err
}

func (f *faultyTxn) Commit() error {
	if f.failCommit {
		_ = f.Tx.Rollback()
		return errInjected
	}
	return f.Tx.Commit()
}

type faultyBeginner struct {
	db        *sql.DB
	failBegin bool
	template  faultyTxn
}

func (b faultyBeginner) Begin(ctx context.Context) (tracker.Txn, error) {
	if b.failBegin {
		return nil, errInjected
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	t := b.template
	t.Tx = tx
	return &t, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []queue.TrackCompletedEvent
}

func (r *recordingEvents) PublishTrackCompleted(_ context.Context, ev queue.TrackCompletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type recordingPurger struct{ prefixes []string }

func (r *recordingPurger) Purge(_ context.Context, prefix string) error {
	r.prefixes = append(r.prefixes, prefix)
	return nil
}

func (f *fixture) archiver(begin tracker.Beginner, deps tracker.ArchiverDeps) *tracker.Archiver {
	if deps.Bus == nil {
		deps.Bus = f.bus
	}
	if deps.Notifier == nil {
		deps.Notifier = tracker.NewNotifier(f.notes, f.bus)
	}
	deps.Metrics = f.metrics
	return tracker.NewArchiver(begin, f.parts, f.settings, f.tracks, testutil.TestTrackName, deps)
}

// claimSome claims parts 1 and 2 for a registered user and 3 for a guest.
func (f *fixture) claimSome(t *testing.T) identity.Identity {
	t.Helper()
	ctx := context.Background()
	u := f.user(t, "ahmad", model.RoleUser)
	for _, id := range []int{1, 2} {
		_, err := f.engine.Claim(ctx, u, id, "")
		require.NoError(t, err)
	}
	_, err := f.engine.Claim(ctx, identity.NewGuest("dev_g"), 3, "Ali")
	require.NoError(t, err)
	return u
}

func (f *fixture) assertUntouched(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	n, err := f.tracks.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no history row expected")
	_, claimed, err := f.parts.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, claimed)
	st, err := f.settings.State(ctx, testutil.TestTrackName)
	require.NoError(t, err)
	assert.Equal(t, model.TrackerState{Name: testutil.TestTrackName}, st)
}

func TestArchiveAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.claimSome(t)
	admin := f.user(t, "admin", model.RoleAdmin)
	events := &recordingEvents{}
	purger := &recordingPurger{}
	at := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

	tracks, err := f.bus.Subscribe(ctx, feed.TableTracks, feed.Filter{})
	require.NoError(t, err)
	defer tracks.Close()

	a := f.archiver(tracker.SQLBeginner{DB: f.db}, tracker.ArchiverDeps{
		Events:      events,
		Cache:       purger,
		CachePrefix: "cache:/v1/admin/tracks",
		Now:         func() time.Time { return at },
	})
	res, err := a.ArchiveAndReset(ctx, admin, "  Cycle B ")
	require.NoError(t, err)

	assert.Equal(t, testutil.TestTrackName, res.Track.Name)
	assert.Equal(t, 3, res.Track.ParticipantsCount)
	assert.Equal(t, model.TrackerState{Name: "Cycle B", CompletedCount: 1}, res.State)

	history, err := f.tracks.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	h := history[0]
	assert.Equal(t, res.Track.ID, h.ID)
	assert.Equal(t, 3, h.ParticipantsCount)
	assert.True(t, at.Equal(h.CompletedAt))
	require.Len(t, h.Details, testutil.TestParts)
	require.NotNil(t, h.Details[0].ClaimedByUserID)
	assert.Equal(t, owner.UserID, *h.Details[0].ClaimedByUserID)
	require.NotNil(t, h.Details[2].GuestName)
	assert.Equal(t, "Ali", *h.Details[2].GuestName)
	assert.False(t, h.Details[3].Claimed())

	total, claimed, err := f.parts.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestParts, total)
	assert.Zero(t, claimed)

	st, err := f.settings.State(ctx, testutil.TestTrackName)
	require.NoError(t, err)
	assert.Equal(t, res.State, st)

	require.Len(t, events.events, 1)
	assert.Equal(t, res.Track.ID, events.events[0].TrackID)
	assert.Equal(t, "Cycle B", events.events[0].NextName)
	assert.Equal(t, admin.UserID, events.events[0].ArchivedBy)
	assert.Equal(t, []string{"cache:/v1/admin/tracks"}, purger.prefixes)

	// one notification per registered participant, however many parts
	unread, err := f.notes.UnreadCount(ctx, owner.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	select {
	case c := <-tracks.C():
		assert.Equal(t, feed.OpInsert, c.Op)
	case <-time.After(time.Second):
		t.Fatal("no change published for archive")
	}

	// a second archive starts from an empty grid
	res, err = a.ArchiveAndReset(ctx, admin, "Cycle C")
	require.NoError(t, err)
	assert.Equal(t, "Cycle B", res.Track.Name)
	assert.Zero(t, res.Track.ParticipantsCount)
	assert.Equal(t, 2, res.State.CompletedCount)
}

func TestArchiveRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.claimSome(t)
	a := f.archiver(tracker.SQLBeginner{DB: f.db}, tracker.ArchiverDeps{})

	_, err := a.ArchiveAndReset(context.Background(), f.user(t, "plain", model.RoleUser), "Next")
	assert.ErrorIs(t, err, tracker.ErrPermissionDenied)
	_, err = a.ArchiveAndReset(context.Background(), identity.NewGuest("dev_g"), "Next")
	assert.ErrorIs(t, err, tracker.ErrPermissionDenied)
	f.assertUntouched(t)
}

func TestArchiveValidatesName(t *testing.T) {
	f := newFixture(t)
	f.claimSome(t)
	admin := f.user(t, "admin", model.RoleAdmin)
	a := f.archiver(tracker.SQLBeginner{DB: f.db}, tracker.ArchiverDeps{})

	_, err := a.ArchiveAndReset(context.Background(), admin, "  ")
	assert.ErrorIs(t, err, tracker.ErrValidation)
	_, err = a.ArchiveAndReset(context.Background(), admin, strings.Repeat("x", tracker.MaxTrackNameLen+1))
	assert.ErrorIs(t, err, tracker.ErrValidation)
	f.assertUntouched(t)
}

func TestArchiveFailures(t *testing.T) {
	tests := []struct {
		name  string
		begin faultyBeginner
		fatal bool
	}{
		{name: "begin", begin: faultyBeginner{failBegin: true}},
		{name: "snapshot", begin: faultyBeginner{template: faultyTxn{failQuery: "FROM quran_parts"}}},
		{name: "settings read", begin: faultyBeginner{template: faultyTxn{failQuery: "FROM app_settings"}}},
		{name: "history insert", begin: faultyBeginner{template: faultyTxn{failExec: "INSERT INTO completed_tracks"}}},
		{name: "history insert with failed rollback", begin: faultyBeginner{template: faultyTxn{failExec: "INSERT INTO completed_tracks", failRollback: true}}},
		{name: "reset", begin: faultyBeginner{template: faultyTxn{failExec: "UPDATE quran_parts"}}},
		{name: "count bump", begin: faultyBeginner{template: faultyTxn{failExec: "INSERT INTO app_settings"}}},
		{name: "reset with failed rollback", begin: faultyBeginner{template: faultyTxn{failExec: "UPDATE quran_parts", failRollback: true}}, fatal: true},
		{name: "commit", begin: faultyBeginner{template: faultyTxn{failCommit: true}}, fatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.claimSome(t)
			admin := f.user(t, "admin", model.RoleAdmin)
			events := &recordingEvents{}
			tt.begin.db = f.db
			a := f.archiver(tt.begin, tracker.ArchiverDeps{Events: events})

			_, err := a.ArchiveAndReset(context.Background(), admin, "Next")
			require.Error(t, err)
			assert.Equal(t, tt.fatal, tracker.IsFatal(err), "fatal classification: %v", err)
			if tt.fatal {
				assert.ErrorIs(t, err, tracker.ErrPartialArchive)
			} else {
				assert.ErrorIs(t, err, tracker.ErrBackendUnavailable)
			}
			assert.ErrorIs(t, err, errInjected)
			assert.Empty(t, events.events, "no event for a failed archive")
			// the injected transaction always rolls back for real
			f.assertUntouched(t)
		})
	}
}
