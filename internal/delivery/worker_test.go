package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subgate/internal/catalog"
	"subgate/internal/models"
	"subgate/internal/notify"
	"subgate/internal/store"
)

type fakeSender struct {
	mu      sync.Mutex
	results map[int64][]SendResult // consumed per call, last one repeats
	sent    []sentCall
}

type sentCall struct {
	chatID int64
	text   string
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{chatID: chatID, text: text})
	queue := f.results[chatID]
	if len(queue) == 0 {
		return SendOK
	}
	res := queue[0]
	if len(queue) > 1 {
		f.results[chatID] = queue[1:]
	}
	return res
}

func (f *fakeSender) calls(chatID int64) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCall
	for _, c := range f.sent {
		if c.chatID == chatID {
			out = append(out, c)
		}
	}
	return out
}

type accessSet struct{ allowed map[int64]bool }

func (a *accessSet) HasAccess(ctx context.Context, userID int64) bool {
	return a.allowed[userID]
}

func newTestDeliveryWorker(t *testing.T, sender *fakeSender, allowed map[int64]bool) (*Worker, *notify.Dispatcher, *catalog.MemoryCatalog, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	d := notify.NewDispatcher(st)
	w := NewWorker(st, cat, sender, d, &accessSet{allowed: allowed})
	w.baseWait = time.Millisecond
	return w, d, cat, st
}

func notifPayload(t *testing.T, n models.Notification) store.Message {
	t.Helper()
	data, err := json.Marshal(&n)
	require.NoError(t, err)
	return store.Message{Topic: models.TopicForKind(n.Kind), Payload: data}
}

func TestDeliverConfirmsAndFormats(t *testing.T) {
	sender := &fakeSender{}
	w, d, _, _ := newTestDeliveryWorker(t, sender, nil)
	ctx := context.Background()

	require.True(t, d.SendPersonal(ctx, 5, "Заголовок", "текст", 99, models.PriorityCritical))
	pending := d.Pending(ctx)
	require.Len(t, pending, 1)

	w.handle(ctx, notifPayload(t, pending[0]))

	calls := sender.calls(5)
	require.Len(t, calls, 1)
	assert.Equal(t, "🚨 Заголовок\n\nтекст", calls[0].text)
	assert.Equal(t, 0, d.PendingCount(ctx), "delivery must be confirmed back to the dispatcher")
}

func TestLowPriorityHasNoGlyph(t *testing.T) {
	n := models.Notification{Priority: models.PriorityLow, Title: "t", Body: "b"}
	assert.Equal(t, "t\n\nb", formatMessage(&n))

	n = models.Notification{Priority: models.PriorityHigh, Body: "b"}
	assert.Equal(t, "⚠️ b", formatMessage(&n))
}

func TestBlockedRecipientNotRetried(t *testing.T) {
	sender := &fakeSender{results: map[int64][]SendResult{5: {SendBlocked}}}
	w, d, _, _ := newTestDeliveryWorker(t, sender, nil)
	ctx := context.Background()

	require.True(t, d.SendPersonal(ctx, 5, "t", "b", 99, models.PriorityNormal))
	w.handle(ctx, notifPayload(t, d.Pending(ctx)[0]))

	assert.Len(t, sender.calls(5), 1, "permanent failures get exactly one attempt")
	assert.Equal(t, 1, d.PendingCount(ctx), "undelivered record stays pending")
}

func TestNotFoundRecipientNotRetried(t *testing.T) {
	sender := &fakeSender{results: map[int64][]SendResult{5: {SendNotFound}}}
	w, d, _, _ := newTestDeliveryWorker(t, sender, nil)
	ctx := context.Background()

	require.True(t, d.SendPersonal(ctx, 5, "t", "b", 99, models.PriorityNormal))
	w.handle(ctx, notifPayload(t, d.Pending(ctx)[0]))

	assert.Len(t, sender.calls(5), 1)
}

func TestTransientFailureRetriedThenDelivered(t *testing.T) {
	sender := &fakeSender{results: map[int64][]SendResult{5: {SendTransientError, SendTransientError, SendOK}}}
	w, d, _, _ := newTestDeliveryWorker(t, sender, nil)
	ctx := context.Background()

	require.True(t, d.SendPersonal(ctx, 5, "t", "b", 99, models.PriorityNormal))
	w.handle(ctx, notifPayload(t, d.Pending(ctx)[0]))

	assert.Len(t, sender.calls(5), 3)
	assert.Equal(t, 0, d.PendingCount(ctx))
}

func TestTransientFailureBounded(t *testing.T) {
	sender := &fakeSender{results: map[int64][]SendResult{5: {SendTransientError}}}
	w, d, _, _ := newTestDeliveryWorker(t, sender, nil)
	ctx := context.Background()

	require.True(t, d.SendPersonal(ctx, 5, "t", "b", 99, models.PriorityNormal))
	w.handle(ctx, notifPayload(t, d.Pending(ctx)[0]))

	assert.Len(t, sender.calls(5), 3, "retry budget is three attempts total")
	assert.Equal(t, 1, d.PendingCount(ctx))
}

func TestSystemNotificationFansOutWithAccessCheck(t *testing.T) {
	sender := &fakeSender{}
	w, d, cat, _ := newTestDeliveryWorker(t, sender, map[int64]bool{1: true, 3: true})
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 1, Active: true}))
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 2, Active: true})) // no access
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 3, Active: true}))

	require.True(t, d.SendSystemUpdate(ctx, "t", "b", models.PriorityNormal))
	w.handle(ctx, notifPayload(t, d.Pending(ctx)[0]))

	assert.Len(t, sender.calls(1), 1)
	assert.Empty(t, sender.calls(2))
	assert.Len(t, sender.calls(3), 1)
}

func TestAudienceSelectorHonored(t *testing.T) {
	sender := &fakeSender{}
	w, d, cat, _ := newTestDeliveryWorker(t, sender, map[int64]bool{1: true, 2: true})
	ctx := context.Background()

	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 1, RoleTag: "trial", Active: true}))
	require.NoError(t, cat.PutUser(ctx, models.UserRecord{UserID: 2, RoleTag: "premium", Active: true}))

	require.True(t, d.SendBroadcastGroup(ctx, "t", "b", "trial", 99, models.PriorityNormal))
	w.handle(ctx, notifPayload(t, d.Pending(ctx)[0]))

	assert.Len(t, sender.calls(1), 1)
	assert.Empty(t, sender.calls(2))
}

func TestMalformedPayloadDropped(t *testing.T) {
	sender := &fakeSender{}
	w, _, _, _ := newTestDeliveryWorker(t, sender, nil)

	w.handle(context.Background(), store.Message{Topic: models.TopicNotifPersonal, Payload: []byte("not json")})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Empty(t, sender.sent)
}

func TestRunDrainsTopics(t *testing.T) {
	sender := &fakeSender{}
	w, d, _, _ := newTestDeliveryWorker(t, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the subscriber attach

	require.True(t, d.SendPersonal(ctx, 7, "t", "b", 99, models.PriorityNormal))

	require.Eventually(t, func() bool {
		return len(sender.calls(7)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.PendingCount(ctx))
}
