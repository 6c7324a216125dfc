package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/saga"
	"github.com/winksdotfun/endgame/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(payer *stubPayer, deployer *stubDeployer, l logger.Logger) (*SessionStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewSessionStore(func() *saga.Saga { return saga.New(payer, deployer) }, time.Minute, l)
	store.now = clock.Now
	return store, clock
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(&stubPayer{}, &stubDeployer{}, nil)

	id, sg := store.Create()
	require.NotEmpty(t, id)
	require.NotNil(t, sg)

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Same(t, sg, got)

	other, _ := store.Create()
	assert.NotEqual(t, id, other)
	assert.Equal(t, 2, store.Len())

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestSessionStore_SweepExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(&stubPayer{}, &stubDeployer{}, nil)

	stale, _ := store.Create()
	clock.Advance(45 * time.Second)
	fresh, _ := store.Create()

	assert.Zero(t, store.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, store.Sweep())

	_, ok := store.Get(stale)
	assert.False(t, ok)
	_, ok = store.Get(fresh)
	assert.True(t, ok)
}

func TestSessionStore_GetRefreshesSession(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(&stubPayer{}, &stubDeployer{}, nil)
	id, _ := store.Create()

	clock.Advance(50 * time.Second)
	_, ok := store.Get(id)
	require.True(t, ok)

	clock.Advance(50 * time.Second)
	assert.Zero(t, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestSessionStore_SweepKeepsInFlightSessions(t *testing.T) {
	t.Parallel()

	payer := &stubPayer{gate: make(chan struct{})}
	store, clock := newTestStore(payer, &stubDeployer{}, nil)

	id, sg := store.Create()
	_, err := sg.Submit(types.KindWallet, "beef")
	require.NoError(t, err)
	done, err := sg.Start(context.Background())
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Zero(t, store.Sweep())
	_, ok := store.Get(id)
	assert.True(t, ok)

	close(payer.gate)
	require.NoError(t, <-done)
}

func TestSessionStore_SweepWarnsOnUndeliveredPayment(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	store, clock := newTestStore(&stubPayer{}, &stubDeployer{failures: 1}, logger.NewFromZap(zap.New(core)))

	_, sg := store.Create()
	_, err := sg.Submit(types.KindWallet, "beef")
	require.NoError(t, err)
	snap, err := sg.Execute(context.Background())
	require.Error(t, err)
	require.True(t, snap.Retryable)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, store.Sweep())

	entries := logs.FilterMessage("expiring session with undelivered payment").All()
	require.Len(t, entries, 1)
	assert.Equal(t, testTxHash, entries[0].ContextMap()["tx_hash"])
}

func TestSessionStore_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(func() *saga.Saga { return saga.New(&stubPayer{}, &stubDeployer{}) }, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}
