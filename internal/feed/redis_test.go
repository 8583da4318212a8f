package feed

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisBus returns a bus on its own client, as a separate server
// instance would have.
func newRedisBus(t *testing.T, mr *miniredis.Miniredis) *RedisBus {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(rdb, "feed", prometheus.NewRegistry(), nil)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = rdb.Close()
	})
	return bus
}

func TestRedisBusFanOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr)
	b := newRedisBus(t, mr)
	ctx := context.Background()

	onA, err := a.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	onB, err := b.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	settings, err := b.Subscribe(ctx, TableSettings, Filter{})
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, NewChange(TableParts, OpUpdate, "7")))
	assert.Equal(t, "7", receive(t, onB).RowID)
	assert.Equal(t, "7", receive(t, onA).RowID, "the publishing instance hears its own change")
	assertNothing(t, settings)

	// one Redis subscription per table, however many local subscribers
	_, err = b.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	assert.Len(t, b.pubsubs, 2)
	assert.Equal(t, map[string]int{"feed:quran_parts": 2}, mr.PubSubNumSub("feed:quran_parts"))
}

func TestRedisBusFilterAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr)
	b := newRedisBus(t, mr)
	ctx := context.Background()

	mine, err := b.Subscribe(ctx, TableNotifications, Filter{UserID: 7})
	require.NoError(t, err)

	c := NewChange(TableNotifications, OpInsert, "1")
	c.UserID = 8
	require.NoError(t, a.Publish(ctx, c))
	assertNothing(t, mine)

	c.UserID = 7
	require.NoError(t, a.Publish(ctx, c))
	got := receive(t, mine)
	assert.Equal(t, uint64(7), got.UserID)
	assert.Equal(t, TableNotifications, got.Table)
}

func TestRedisBusClose(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, ok := <-sub.C()
	assert.False(t, ok, "local subscriptions end with the bus")
	assert.ErrorIs(t, bus.Publish(ctx, NewChange(TableParts, OpUpdate, "1")), ErrClosed)
	_, err = bus.Subscribe(ctx, TableParts, Filter{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, bus.Close())
}
