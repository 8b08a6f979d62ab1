package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subgate/internal/models"
	"subgate/internal/store"
)

type fakeChecker struct {
	mu      sync.Mutex
	allowed map[int64]bool
	calls   int
}

func (f *fakeChecker) HasAccess(ctx context.Context, userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allowed[userID]
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCheckAccessCachesVerified(t *testing.T) {
	checker := &fakeChecker{allowed: map[int64]bool{1: true}}
	c := New(checker, store.NewMemoryStore(), time.Minute, time.Minute)
	ctx := context.Background()

	assert.True(t, c.CheckAccess(ctx, 1))
	assert.True(t, c.CheckAccess(ctx, 1))
	assert.Equal(t, 1, checker.callCount(), "second check must come from the cache")
}

func TestCheckAccessBlocksDenied(t *testing.T) {
	checker := &fakeChecker{allowed: map[int64]bool{}}
	c := New(checker, store.NewMemoryStore(), time.Minute, time.Minute)
	ctx := context.Background()

	assert.False(t, c.CheckAccess(ctx, 2))
	assert.True(t, c.IsBlocked(2))

	// Blocked wins without consulting the registry again.
	assert.False(t, c.CheckAccess(ctx, 2))
	assert.Equal(t, 1, checker.callCount())
}

func TestCheckAccessTTLExpiry(t *testing.T) {
	checker := &fakeChecker{allowed: map[int64]bool{1: true}}
	c := New(checker, store.NewMemoryStore(), 10*time.Millisecond, time.Minute)
	ctx := context.Background()

	assert.True(t, c.CheckAccess(ctx, 1))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.CheckAccess(ctx, 1))
	assert.Equal(t, 2, checker.callCount(), "stale entry must fall through to the registry")
}

func TestBlockUnblock(t *testing.T) {
	checker := &fakeChecker{allowed: map[int64]bool{3: true}}
	c := New(checker, store.NewMemoryStore(), time.Minute, time.Minute)
	ctx := context.Background()

	require.True(t, c.CheckAccess(ctx, 3))
	c.Block(3)
	assert.False(t, c.CheckAccess(ctx, 3))

	c.Unblock(3)
	assert.True(t, c.CheckAccess(ctx, 3))
	// Unblock marks the id verified, so no extra registry call happened.
	assert.Equal(t, 1, checker.callCount())
}

func TestEventReactions(t *testing.T) {
	st := store.NewMemoryStore()
	checker := &fakeChecker{allowed: map[int64]bool{42: true}}
	c := New(checker, st, time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the subscriber attach

	require.True(t, c.CheckAccess(ctx, 42))

	payload, _ := json.Marshal(models.AccessEvent{UserID: 42, At: time.Now()})
	require.NoError(t, st.Publish(ctx, models.TopicAccessRemoved, payload))

	require.Eventually(t, func() bool { return c.IsBlocked(42) }, time.Second, 5*time.Millisecond)
	assert.False(t, c.CheckAccess(ctx, 42))

	require.NoError(t, st.Publish(ctx, models.TopicAccessAdded, payload))
	require.Eventually(t, func() bool { return !c.IsBlocked(42) }, time.Second, 5*time.Millisecond)
	assert.True(t, c.CheckAccess(ctx, 42))
}

func TestSweepPurgesStaleVerified(t *testing.T) {
	checker := &fakeChecker{allowed: map[int64]bool{1: true}}
	c := New(checker, store.NewMemoryStore(), 10*time.Millisecond, time.Minute)
	ctx := context.Background()

	require.True(t, c.CheckAccess(ctx, 1))
	time.Sleep(20 * time.Millisecond)
	c.sweep()

	c.mu.Lock()
	_, ok := c.verified[1]
	c.mu.Unlock()
	assert.False(t, ok)
}

func TestMalformedEventDropped(t *testing.T) {
	st := store.NewMemoryStore()
	checker := &fakeChecker{allowed: map[int64]bool{}}
	c := New(checker, st, time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, st.Publish(ctx, models.TopicAccessRemoved, []byte("not json")))
	time.Sleep(20 * time.Millisecond)
	// Nothing blocked, nothing crashed.
	assert.False(t, c.IsBlocked(0))
}
