package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subgate/internal/catalog"
	"subgate/internal/models"
	"subgate/internal/notify"
	"subgate/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, *catalog.MemoryCatalog, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	return New(st, cat, notify.NewDispatcher(st)), cat, st
}

func endIn(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func drain(ch <-chan store.Message, wait time.Duration) []models.Notification {
	var out []models.Notification
	for {
		select {
		case msg := <-ch:
			var n models.Notification
			if json.Unmarshal(msg.Payload, &n) == nil {
				out = append(out, n)
			}
		case <-time.After(wait):
			return out
		}
	}
}

func TestSweepSendsOneReminderPerBucketPerDay(t *testing.T) {
	m, cat, st := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{
		UserID: 1, Active: true, SubscriptionEnd: endIn(3*24*time.Hour + time.Hour),
	}))

	ch, cancel := st.Subscribe(ctx, models.TopicNotifSub)
	defer cancel()

	m.Sweep(ctx)
	m.Sweep(ctx)
	m.Sweep(ctx)

	got := drain(ch, 20*time.Millisecond)
	require.Len(t, got, 1, "repeated sweeps must not repeat the reminder")
	assert.Equal(t, models.KindSubWarning, got[0].Kind)
	assert.Equal(t, "3", got[0].Attributes["days_left"])

	// The ledger carries the dedup entry.
	ledger := st.HGetAll(ctx, models.KeyReminders(time.Now()))
	assert.Len(t, ledger, 1)
}

func TestSweepSkipsNonBucketDays(t *testing.T) {
	m, cat, st := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{
		UserID: 1, Active: true, SubscriptionEnd: endIn(5*24*time.Hour + time.Hour),
	}))
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 2, Active: true}))

	ch, cancel := st.Subscribe(ctx, models.TopicNotifSub)
	defer cancel()

	m.Sweep(ctx)
	assert.Empty(t, drain(ch, 20*time.Millisecond))
}

func TestExpiryDayRoutesToExpired(t *testing.T) {
	m, cat, st := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{
		UserID: 1, Active: true, SubscriptionEnd: endIn(time.Hour),
	}))

	ch, cancel := st.Subscribe(ctx, models.TopicNotifSub)
	defer cancel()

	m.Sweep(ctx)

	got := drain(ch, 20*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, models.KindSubExpired, got[0].Kind)
	assert.Equal(t, models.PriorityCritical, got[0].Priority)
}

func TestDistinctBucketsGetDistinctReminders(t *testing.T) {
	m, cat, st := newTestMonitor(t)
	ctx := context.Background()

	// Same user hits the 1-day bucket, then the subscription is extended and
	// the 7-day bucket is a fresh reminder even on the same calendar day.
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{
		UserID: 1, Active: true, SubscriptionEnd: endIn(24*time.Hour + time.Hour),
	}))

	ch, cancel := st.Subscribe(ctx, models.TopicNotifSub)
	defer cancel()

	m.Sweep(ctx)
	require.NoError(t, cat.SetSubscriptionEnd(ctx, 1, *endIn(7*24*time.Hour+time.Hour)))
	m.Sweep(ctx)

	got := drain(ch, 20*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Attributes["days_left"])
	assert.Equal(t, "7", got[1].Attributes["days_left"])
}

func TestCheckUser(t *testing.T) {
	m, cat, _ := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{
		UserID: 1, Active: true, SubscriptionEnd: endIn(24*time.Hour + time.Hour),
	}))

	sent, err := m.CheckUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sent)

	// Second check on the same day is deduplicated.
	sent, err = m.CheckUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sent)

	_, err = m.CheckUser(ctx, 404)
	assert.Error(t, err)
}

func TestListExpiringInclusiveEndpoints(t *testing.T) {
	m, cat, _ := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 1, SubscriptionEnd: endIn(time.Hour)}))                   // 0 days
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 2, SubscriptionEnd: endIn(7*24*time.Hour + time.Hour)})) // 7 days
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 3, SubscriptionEnd: endIn(10 * 24 * time.Hour)}))        // out of range
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 4, SubscriptionEnd: endIn(-48 * time.Hour)}))            // already expired
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 5}))                                                     // no end date

	out, err := m.ListExpiring(ctx, 7)
	require.NoError(t, err)

	var ids []int64
	for _, u := range out {
		ids = append(ids, u.UserID)
	}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestDueSchedule(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	at := func(h, min int) time.Time {
		return time.Date(2026, 8, 31, h, min, 0, 0, time.Local)
	}
	assert.True(t, m.due(at(14, 0)), "top of the hour")
	assert.True(t, m.due(at(9, 0)))
	assert.True(t, m.due(at(18, 30)))
	assert.False(t, m.due(at(14, 31)))
}
