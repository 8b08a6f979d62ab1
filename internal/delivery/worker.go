package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"subgate/internal/catalog"
	"subgate/internal/metrics"
	"subgate/internal/models"
	"subgate/internal/store"
)

// SendResult classifies one outbound attempt.
type SendResult int

const (
	SendOK SendResult = iota
	SendBlocked
	SendNotFound
	SendTransientError
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendBlocked:
		return "blocked"
	case SendNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Sender is the chat client the worker delivers through. The concrete
// transport is opaque here; telegram.go adapts telebot.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) SendResult
}

// Delivered acknowledges a successful delivery back to the dispatcher.
// Satisfied by *notify.Dispatcher.
type Delivered interface {
	MarkDelivered(ctx context.Context, notificationID string, userID int64) bool
}

// AccessChecker gates enumerated audiences.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID int64) bool
}

const (
	sendTimeout   = 10 * time.Second
	retryAttempts = 3
	retryBaseWait = time.Second
)

// Worker subscribes to every notification topic and turns records into
// outbound chat messages, best effort: permanent failures are never retried,
// transient ones get a small bounded budget.
type Worker struct {
	store      store.Store
	catalog    catalog.Catalog
	sender     Sender
	dispatcher Delivered
	access     AccessChecker

	attempts int
	baseWait time.Duration
}

func NewWorker(st store.Store, cat catalog.Catalog, sender Sender, d Delivered, access AccessChecker) *Worker {
	return &Worker{
		store:      st,
		catalog:    cat,
		sender:     sender,
		dispatcher: d,
		access:     access,
		attempts:   retryAttempts,
		baseWait:   retryBaseWait,
	}
}

// Run blocks draining the topics until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	msgs, cancel := w.store.Subscribe(ctx, models.NotifTopics...)
	defer cancel()

	logrus.Info("delivery worker running")
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			w.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg store.Message) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("delivery worker panicked on %s: %v", msg.Topic, r)
		}
	}()

	var n models.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		logrus.Warnf("malformed notification on %s, dropping: %v", msg.Topic, err)
		return
	}

	targets := w.resolveTargets(ctx, &n)
	if len(targets) == 0 {
		logrus.Warnf("notification %s (%s) resolved no targets", n.ID, n.Kind)
		return
	}

	text := formatMessage(&n)
	for _, userID := range targets {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.deliverOne(ctx, &n, userID, text)
	}
}

// deliverOne sends to a single recipient with a bounded retry for transient
// errors. Blocked and not-found are permanent: count, log, move on.
func (w *Worker) deliverOne(ctx context.Context, n *models.Notification, userID int64, text string) {
	for attempt := 1; attempt <= w.attempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		res := w.sender.Send(sendCtx, userID, text)
		cancel()

		switch res {
		case SendOK:
			w.dispatcher.MarkDelivered(ctx, n.ID, userID)
			return
		case SendBlocked, SendNotFound:
			metrics.DeliveryFailures.WithLabelValues(res.String()).Inc()
			logrus.Infof("recipient %d permanently unreachable (%s), not retrying", userID, res)
			return
		default:
			if attempt < w.attempts {
				wait := w.baseWait << (attempt - 1)
				logrus.Warnf("transient send failure to %d (attempt %d/%d), retrying in %s", userID, attempt, w.attempts, wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
		}
	}
	metrics.DeliveryFailures.WithLabelValues("transient").Inc()
	logrus.Errorf("giving up on recipient %d for notification %s after %d attempts", userID, n.ID, w.attempts)
}

// resolveTargets maps a record onto concrete user ids: direct target,
// selector over the catalogue, or everyone with access for system records.
func (w *Worker) resolveTargets(ctx context.Context, n *models.Notification) []int64 {
	if n.UserID != 0 {
		return []int64{n.UserID}
	}

	users, err := w.catalog.ListAllUsers(ctx)
	if err != nil {
		logrus.Errorf("failed to enumerate catalogue for %s: %v", n.ID, err)
		return nil
	}

	now := time.Now()
	var out []int64
	for _, u := range users {
		if n.Audience != nil && !n.Audience.Matches(u, now) {
			continue
		}
		if !w.access.HasAccess(ctx, u.UserID) {
			continue
		}
		out = append(out, u.UserID)
	}
	return out
}

func formatMessage(n *models.Notification) string {
	text := n.Priority.Glyph()
	if n.Title != "" {
		text += n.Title + "\n\n"
	}
	return text + n.Body
}
