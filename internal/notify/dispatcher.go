package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"subgate/internal/metrics"
	"subgate/internal/models"
	"subgate/internal/store"
)

const (
	scheduledTickInterval = time.Minute
	statsRetention        = 60 * 24 * time.Hour
)

// Dispatcher owns the notification taxonomy: it builds typed records, parks
// them in the pending/scheduled stores and publishes them on the right topic.
// It never retries a failed publish itself; the record stays pending and the
// caller decides.
type Dispatcher struct {
	store store.Store
}

func NewDispatcher(st store.Store) *Dispatcher {
	return &Dispatcher{store: st}
}

// newID sorts by creation: nanosecond timestamp prefix, uuid suffix for
// uniqueness within one instant.
func newID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// SendBlock notifies a user that an administrator revoked their access.
func (d *Dispatcher) SendBlock(ctx context.Context, userID, adminID int64, reason string) bool {
	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindAdminBlock,
		Priority:  models.PriorityCritical,
		Title:     "Доступ приостановлен",
		Body:      models.RevokeTriggerText,
		UserID:    userID,
		CreatedAt: time.Now(),
		Attributes: map[string]string{
			"admin_id": fmt.Sprintf("%d", adminID),
			"reason":   reason,
		},
	}
	return d.dispatch(ctx, n)
}

// SendUnblock is the symmetric restore notification.
func (d *Dispatcher) SendUnblock(ctx context.Context, userID, adminID int64) bool {
	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindAdminUnblock,
		Priority:  models.PriorityHigh,
		Title:     "Доступ восстановлен",
		Body:      "Доступ к боту снова открыт. Добро пожаловать!",
		UserID:    userID,
		CreatedAt: time.Now(),
		Attributes: map[string]string{
			"admin_id": fmt.Sprintf("%d", adminID),
		},
	}
	return d.dispatch(ctx, n)
}

// SendSubWarning warns about an upcoming subscription end. Zero or negative
// days routes to SendSubExpired; priority climbs as the end approaches.
func (d *Dispatcher) SendSubWarning(ctx context.Context, userID int64, daysLeft int, endsAt time.Time) bool {
	if daysLeft <= 0 {
		return d.SendSubExpired(ctx, userID, endsAt)
	}

	priority := models.PriorityNormal
	switch {
	case daysLeft <= 1:
		priority = models.PriorityCritical
	case daysLeft <= 3:
		priority = models.PriorityHigh
	}

	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindSubWarning,
		Priority:  priority,
		Title:     "Подписка скоро закончится",
		Body:      fmt.Sprintf("Ваша подписка истекает через %d дн. (%s). Продлите её, чтобы не потерять доступ.", daysLeft, endsAt.Format("02.01.2006")),
		UserID:    userID,
		CreatedAt: time.Now(),
		Attributes: map[string]string{
			"days_left": fmt.Sprintf("%d", daysLeft),
		},
	}
	return d.dispatch(ctx, n)
}

// SendSubExpired tells the user the subscription already ended.
func (d *Dispatcher) SendSubExpired(ctx context.Context, userID int64, endedAt time.Time) bool {
	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindSubExpired,
		Priority:  models.PriorityCritical,
		Title:     "Подписка закончилась",
		Body:      fmt.Sprintf("Срок вашей подписки истёк %s. Оформите продление для восстановления доступа.", endedAt.Format("02.01.2006")),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	return d.dispatch(ctx, n)
}

// SendBroadcastAll fans a campaign record out to everyone via the broadcast
// topic.
func (d *Dispatcher) SendBroadcastAll(ctx context.Context, title, body string, adminID int64, priority models.Priority) bool {
	return d.sendBroadcast(ctx, title, body, adminID, priority, &models.AudienceSelector{Kind: models.SelectAll})
}

// SendBroadcastGroup targets a role-tag family.
func (d *Dispatcher) SendBroadcastGroup(ctx context.Context, title, body, groupTag string, adminID int64, priority models.Priority) bool {
	return d.sendBroadcast(ctx, title, body, adminID, priority, &models.AudienceSelector{Kind: models.SelectGroup, GroupTag: groupTag})
}

// SendBroadcastUsers targets an explicit recipient list.
func (d *Dispatcher) SendBroadcastUsers(ctx context.Context, title, body string, userIDs []int64, adminID int64, priority models.Priority) bool {
	return d.sendBroadcast(ctx, title, body, adminID, priority, &models.AudienceSelector{Kind: models.SelectExplicitList, UserIDs: userIDs})
}

func (d *Dispatcher) sendBroadcast(ctx context.Context, title, body string, adminID int64, priority models.Priority, audience *models.AudienceSelector) bool {
	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindBroadcast,
		Priority:  priority,
		Title:     title,
		Body:      body,
		Audience:  audience,
		CreatedAt: time.Now(),
		Attributes: map[string]string{
			"admin_id": fmt.Sprintf("%d", adminID),
		},
	}
	return d.dispatch(ctx, n)
}

// SendPersonal is one direct message to one user; the broadcast worker uses
// it for every resolved recipient.
func (d *Dispatcher) SendPersonal(ctx context.Context, userID int64, title, body string, adminID int64, priority models.Priority) bool {
	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindPersonal,
		Priority:  priority,
		Title:     title,
		Body:      body,
		UserID:    userID,
		CreatedAt: time.Now(),
		Attributes: map[string]string{
			"admin_id": fmt.Sprintf("%d", adminID),
		},
	}
	return d.dispatch(ctx, n)
}

// SendSystemUpdate goes to every user with access.
func (d *Dispatcher) SendSystemUpdate(ctx context.Context, title, body string, priority models.Priority) bool {
	n := &models.Notification{
		ID:        newID(),
		Kind:      models.KindSystem,
		Priority:  priority,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now(),
	}
	return d.dispatch(ctx, n)
}

// Schedule parks a record in the scheduled store; the background tick
// promotes it once due.
func (d *Dispatcher) Schedule(ctx context.Context, n *models.Notification, sendAt time.Time) bool {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.ScheduledAt = &sendAt

	data, err := json.Marshal(n)
	if err != nil {
		logrus.Errorf("failed to marshal scheduled notification: %v", err)
		return false
	}
	if err := d.store.HSet(ctx, models.KeyNotifScheduled, n.ID, string(data)); err != nil {
		logrus.Errorf("failed to store scheduled notification %s: %v", n.ID, err)
		return false
	}
	logrus.Infof("scheduled notification %s (%s) for %s", n.ID, n.Kind, sendAt.Format(time.RFC3339))
	return true
}

// dispatch stores the record as pending and publishes it. On publish failure
// the record stays pending and false is returned.
func (d *Dispatcher) dispatch(ctx context.Context, n *models.Notification) bool {
	data, err := json.Marshal(n)
	if err != nil {
		logrus.Errorf("failed to marshal notification: %v", err)
		return false
	}
	if err := d.store.HSet(ctx, models.KeyNotifPending, n.ID, string(data)); err != nil {
		logrus.Errorf("failed to store pending notification %s: %v", n.ID, err)
		return false
	}

	topic := models.TopicForKind(n.Kind)
	if err := d.store.Publish(ctx, topic, data); err != nil {
		logrus.Errorf("failed to publish %s on %s, record stays pending: %v", n.ID, topic, err)
		return false
	}

	d.bumpStats(ctx, models.StatSent, models.StatTotal)
	metrics.NotificationsPublished.WithLabelValues(string(n.Kind)).Inc()
	return true
}

// MarkDelivered records one recipient's confirmation: a per-recipient sent
// entry keyed <id>:<user_id>, the delivered counter bumped each time. The
// pending entry is cleared on the first confirmation; later recipients of a
// fan-out record recover the payload from an earlier sent copy. A repeated
// confirmation for the same (id, user) pair returns false.
func (d *Dispatcher) MarkDelivered(ctx context.Context, notificationID string, userID int64) bool {
	field := sentField(notificationID, userID)
	if _, done := d.store.HGet(ctx, models.KeyNotifSent, field); done {
		return false
	}

	n, ok := d.lookupRecord(ctx, notificationID)
	if !ok {
		return false
	}

	now := time.Now()
	n.DeliveredAt = &now
	n.DeliveredTo = userID
	data, err := json.Marshal(n)
	if err != nil {
		return false
	}

	if err := d.store.HSet(ctx, models.KeyNotifSent, field, string(data)); err != nil {
		logrus.Errorf("failed to move notification %s to sent: %v", n.ID, err)
		return false
	}
	_ = d.store.HDel(ctx, models.KeyNotifPending, n.ID)
	d.bumpStats(ctx, models.StatDelivered)
	metrics.NotificationsDelivered.Inc()
	return true
}

func sentField(notificationID string, userID int64) string {
	return fmt.Sprintf("%s:%d", notificationID, userID)
}

// lookupRecord reads the record from pending, falling back to any recipient's
// sent copy for records whose pending entry is already cleared.
func (d *Dispatcher) lookupRecord(ctx context.Context, notificationID string) (*models.Notification, bool) {
	if raw, ok := d.store.HGet(ctx, models.KeyNotifPending, notificationID); ok {
		var n models.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			logrus.Warnf("malformed pending notification %s, dropping: %v", notificationID, err)
			_ = d.store.HDel(ctx, models.KeyNotifPending, notificationID)
			return nil, false
		}
		return &n, true
	}

	prefix := notificationID + ":"
	for field, raw := range d.store.HGetAll(ctx, models.KeyNotifSent) {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var n models.Notification
		if err := json.Unmarshal([]byte(raw), &n); err == nil {
			return &n, true
		}
	}
	return nil, false
}

// PendingCount reports how many records await delivery confirmation.
func (d *Dispatcher) PendingCount(ctx context.Context) int {
	return len(d.store.HGetAll(ctx, models.KeyNotifPending))
}

// Pending returns the current pending store, malformed entries skipped.
func (d *Dispatcher) Pending(ctx context.Context) []models.Notification {
	fields := d.store.HGetAll(ctx, models.KeyNotifPending)
	out := make([]models.Notification, 0, len(fields))
	for id, raw := range fields {
		var n models.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			logrus.Warnf("malformed pending notification %s: %v", id, err)
			continue
		}
		out = append(out, n)
	}
	return out
}

// Stats returns the per-day counter hash for the given day.
func (d *Dispatcher) Stats(ctx context.Context, day time.Time) map[string]string {
	return d.store.HGetAll(ctx, models.KeyNotifStats(day))
}

func (d *Dispatcher) bumpStats(ctx context.Context, fields ...string) {
	key := models.KeyNotifStats(time.Now())
	for _, f := range fields {
		if err := d.store.HIncrBy(ctx, key, f, 1); err != nil {
			logrus.Warnf("failed to bump stat %s: %v", f, err)
			return
		}
	}
	_ = d.store.Expire(ctx, key, statsRetention)
}

// Run drives the scheduled-notification tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(scheduledTickInterval)
	defer ticker.Stop()

	logrus.Info("notification dispatcher running")
	for {
		select {
		case <-ticker.C:
			d.promoteScheduled(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// promoteScheduled walks the scheduled store and dispatches everything due.
func (d *Dispatcher) promoteScheduled(ctx context.Context) {
	now := time.Now()
	for id, raw := range d.store.HGetAll(ctx, models.KeyNotifScheduled) {
		var n models.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			logrus.Warnf("malformed scheduled notification %s, dropping: %v", id, err)
			_ = d.store.HDel(ctx, models.KeyNotifScheduled, id)
			continue
		}
		if n.ScheduledAt == nil || n.ScheduledAt.After(now) {
			continue
		}
		if err := d.store.HDel(ctx, models.KeyNotifScheduled, id); err != nil {
			continue
		}
		if d.dispatch(ctx, &n) {
			logrus.Infof("promoted scheduled notification %s (%s)", n.ID, n.Kind)
		}
	}
}
