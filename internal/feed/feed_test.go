package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func receive(t *testing.T, s *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-s.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func assertNothing(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case c := <-s.C():
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewMemoryBus(prometheus.NewRegistry(), nil)
	defer bus.Close()
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, TableSettings, Filter{})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewChange(TableParts, OpUpdate, "12")))
	assert.Equal(t, "12", receive(t, s1).RowID)
	assert.Equal(t, "12", receive(t, s2).RowID)
	assertNothing(t, other)
	assert.Equal(t, 2, bus.Subscribers(TableParts))
}

func TestMemoryBusFilter(t *testing.T) {
	bus := NewMemoryBus(nil, nil)
	defer bus.Close()
	ctx := context.Background()

	mine, err := bus.Subscribe(ctx, TableNotifications, Filter{UserID: 7})
	require.NoError(t, err)

	c := NewChange(TableNotifications, OpInsert, "1")
	c.UserID = 8
	require.NoError(t, bus.Publish(ctx, c))
	assertNothing(t, mine)

	c.UserID = 7
	require.NoError(t, bus.Publish(ctx, c))
	assert.Equal(t, uint64(7), receive(t, mine).UserID)

	// unattributed changes reach every filter
	require.NoError(t, bus.Publish(ctx, NewChange(TableNotifications, OpUpdate, "")))
	receive(t, mine)
}

func TestMemoryBusCoalescesWhenFull(t *testing.T) {
	bus := NewMemoryBus(nil, nil)
	defer bus.Close()
	ctx := context.Background()
	s, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)

	for i := 0; i < SubscriberQueueSize+5; i++ {
		require.NoError(t, bus.Publish(ctx, NewChange(TableParts, OpUpdate, "")))
	}
	assert.Len(t, s.C(), SubscriberQueueSize)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewMemoryBus(nil, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-s.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Eventually(t, func() bool { return bus.Subscribers(TableParts) == 0 }, time.Second, 10*time.Millisecond)
	s.Close()
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(nil, nil)
	ctx := context.Background()
	s, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-s.C()
	assert.False(t, ok)
	assert.ErrorIs(t, bus.Publish(ctx, NewChange(TableParts, OpUpdate, "")), ErrClosed)
	_, err = bus.Subscribe(ctx, TableParts, Filter{})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, bus.Close())
}

type fakeProber struct {
	mu   sync.Mutex
	fps  map[string]string
	fail bool
}

func (p *fakeProber) set(table, fp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fps[table] = fp
}

func (p *fakeProber) Fingerprint(_ context.Context, table string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("db down")
	}
	return p.fps[table], nil
}

func TestPollBusPublishesOnFingerprintChange(t *testing.T) {
	prober := &fakeProber{fps: map[string]string{TableParts: "a", TableSettings: "x"}}
	bus := NewPollBus(prober, time.Hour, []string{TableParts, TableSettings}, nil, nil)
	defer bus.Close()
	ctx := context.Background()

	parts, err := bus.Subscribe(ctx, TableParts, Filter{})
	require.NoError(t, err)
	settings, err := bus.Subscribe(ctx, TableSettings, Filter{})
	require.NoError(t, err)

	bus.Poll(ctx) // baseline
	assertNothing(t, parts)

	prober.set(TableParts, "b")
	bus.Poll(ctx)
	c := receive(t, parts)
	assert.Equal(t, TableParts, c.Table)
	assert.Equal(t, OpUpdate, c.Op)
	assertNothing(t, settings)

	prober.fail = true
	bus.Poll(ctx)
	assertNothing(t, parts)
}

func TestPollBusRunStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	prober := &fakeProber{fps: map[string]string{TableParts: "a"}}
	bus := NewPollBus(prober, 10*time.Millisecond, []string{TableParts}, nil, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(context.Background(), TableParts, Filter{})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	prober.set(TableParts, "b")
	receive(t, sub)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
