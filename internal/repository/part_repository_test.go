package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/hajj-portal/internal/database"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/repository"
	"github.com/iliyamo/hajj-portal/internal/testutil"
)

func TestPartSeedIsIdempotent(t *testing.T) {
	db := testutil.SetupTrackerDB(t)
	parts := repository.NewPartRepo(db, database.SQLite)
	ctx := context.Background()

	require.NoError(t, parts.ClaimForGuest(ctx, 3, "Omar", "dev_x", time.Now()))
	require.NoError(t, parts.Seed(ctx, testutil.TestParts))

	all, err := parts.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, testutil.TestParts)
	for i, p := range all {
		assert.Equal(t, i+1, p.PartNumber)
	}
	assert.Equal(t, "Omar", *all[2].GuestName)
}

func TestPartClaimGuard(t *testing.T) {
	db := testutil.SetupTrackerDB(t)
	parts := repository.NewPartRepo(db, database.SQLite)
	ctx := context.Background()
	u := testutil.CreateTestUser(t, db, "hasan", "Hasan Ali", model.RoleUser)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, parts.ClaimForUser(ctx, 1, u.ID, at))
	assert.ErrorIs(t, parts.ClaimForGuest(ctx, 1, "Ali", "dev_a", at), repository.ErrConflict)
	assert.ErrorIs(t, parts.ClaimForUser(ctx, 1, u.ID, at), repository.ErrConflict)
	assert.ErrorIs(t, parts.ClaimForUser(ctx, 99, u.ID, at), repository.ErrNotFound)

	p, err := parts.GetByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p.ClaimedByUserID)
	assert.Equal(t, u.ID, *p.ClaimedByUserID)
	assert.Equal(t, "Hasan Ali", p.ClaimedByName)
	assert.Nil(t, p.GuestName)
	assert.Nil(t, p.DeviceID)
	require.NotNil(t, p.ClaimedAt)
	assert.True(t, at.Equal(*p.ClaimedAt))

	require.NoError(t, parts.Release(ctx, 1))
	p, err = parts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.Claimed())
	assert.Nil(t, p.ClaimedAt)

	_, err = parts.GetByID(ctx, 404)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPartResetAndCounts(t *testing.T) {
	db := testutil.SetupTrackerDB(t)
	parts := repository.NewPartRepo(db, database.SQLite)
	ctx := context.Background()

	require.NoError(t, parts.ClaimForGuest(ctx, 4, "A", "dev_a", time.Now()))
	require.NoError(t, parts.ClaimForGuest(ctx, 9, "B", "dev_b", time.Now()))
	total, claimed, err := parts.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestParts, total)
	assert.Equal(t, 2, claimed)

	n, err := parts.ResetAllTx(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, testutil.TestParts, n)
	_, claimed, err = parts.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestSettingsUpsertAndState(t *testing.T) {
	db := testutil.SetupTrackerDB(t)
	settings := repository.NewSettingsRepo(db, database.SQLite)
	ctx := context.Background()

	st, err := settings.State(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, model.TrackerState{Name: testutil.TestTrackName, CompletedCount: 0}, st)

	require.NoError(t, settings.UpsertTx(ctx, db, model.SettingCompletedCount, "3", time.Now()))
	require.NoError(t, settings.UpsertTx(ctx, db, model.SettingCurrentTrackName, "Cycle D", time.Now()))
	st, err = settings.State(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, model.TrackerState{Name: "Cycle D", CompletedCount: 3}, st)

	// defaults never overwrite existing values
	require.NoError(t, settings.SeedDefaults(ctx, "other", time.Now()))
	st, err = settings.State(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "Cycle D", st.Name)
}

func TestUserCreateAndLookup(t *testing.T) {
	db := testutil.SetupTestDB(t)
	users := repository.NewUserRepo(db)
	ctx := context.Background()

	id, err := users.Create(ctx, "  Fatima ", "secret123", "Fatima Z", model.RoleUser, 4)
	require.NoError(t, err)
	_, err = users.Create(ctx, "fatima", "other", "Dup", model.RoleUser, 4)
	assert.ErrorIs(t, err, repository.ErrUsernameExists)

	u, err := users.GetByUsername(ctx, "FATIMA")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "fatima@local.app", u.Email)
	u2, err := users.GetByUsername(ctx, "fatima@local.app")
	require.NoError(t, err)
	assert.Equal(t, id, u2.ID)

	require.NoError(t, users.UpdateRole(ctx, id, model.RoleAdmin))
	u, err = users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
	assert.ErrorIs(t, users.UpdateRole(ctx, 999, model.RoleAdmin), repository.ErrNotFound)

	names, err := users.FullNames(ctx, []uint64{id, 999})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]string{id: "Fatima Z"}, names)
}

func TestNotifications(t *testing.T) {
	db := testutil.SetupTestDB(t)
	notes := repository.NewNotificationRepo(db)
	ctx := context.Background()
	a := testutil.CreateTestUser(t, db, "a", "A", model.RoleUser)
	b := testutil.CreateTestUser(t, db, "b", "B", model.RoleUser)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var last uint64
	for i := 0; i < 12; i++ {
		id, err := notes.Create(ctx, a.ID, "t", "body", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		last = id
	}
	latest, err := notes.Latest(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, latest, 10)
	assert.Equal(t, last, latest[0].ID)

	n, err := notes.UnreadCount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	assert.ErrorIs(t, notes.MarkRead(ctx, b.ID, last), repository.ErrNotFound)
	require.NoError(t, notes.MarkRead(ctx, a.ID, last))
	n, _ = notes.UnreadCount(ctx, a.ID)
	assert.Equal(t, 11, n)

	changed, err := notes.MarkAllRead(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 11, changed)
}

func TestFeedProbeDetectsClaims(t *testing.T) {
	db := testutil.SetupTrackerDB(t)
	probe := repository.NewFeedProbe(db)
	parts := repository.NewPartRepo(db, database.SQLite)
	ctx := context.Background()

	before, err := probe.Fingerprint(ctx, "quran_parts")
	require.NoError(t, err)
	require.NoError(t, parts.ClaimForGuest(ctx, 2, "Ali", "dev_a", time.Now()))
	after, err := probe.Fingerprint(ctx, "quran_parts")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	require.NoError(t, parts.Release(ctx, 2))
	again, err := probe.Fingerprint(ctx, "quran_parts")
	require.NoError(t, err)
	assert.Equal(t, before, again)

	_, err = probe.Fingerprint(ctx, "nope")
	assert.Error(t, err)
}

func TestFeedProbeDetectsReclaimBySameGuest(t *testing.T) {
	db := testutil.SetupTrackerDB(t)
	probe := repository.NewFeedProbe(db)
	parts := repository.NewPartRepo(db, database.SQLite)
	ctx := context.Background()
	first := time.Date(2026, 6, 1, 16, 35, 0, 0, time.UTC)

	require.NoError(t, parts.ClaimForGuest(ctx, 4, "Ali", "dev_a", first))
	before, err := probe.Fingerprint(ctx, "quran_parts")
	require.NoError(t, err)

	// released and claimed again between two polls
	require.NoError(t, parts.Release(ctx, 4))
	require.NoError(t, parts.ClaimForGuest(ctx, 4, "Ali", "dev_a", first.Add(time.Hour)))
	after, err := probe.Fingerprint(ctx, "quran_parts")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}
