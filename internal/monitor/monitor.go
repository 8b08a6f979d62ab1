package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"subgate/internal/catalog"
	"subgate/internal/models"
	"subgate/internal/notify"
	"subgate/internal/store"
)

const ledgerRetention = 48 * time.Hour

// reminderBuckets are the day thresholds that produce a notification.
var reminderBuckets = map[int]bool{7: true, 3: true, 1: true, 0: true}

// dailyRunTimes are the fixed local times (hour, minute) the sweep runs in
// addition to the hourly pass. The ledger makes overlapping runs harmless.
var dailyRunTimes = [][2]int{{9, 0}, {18, 30}}

// Monitor walks the subscription catalogue and emits reminder notifications
// on day-based thresholds, deduplicated per user, bucket and calendar day so
// re-running a sweep is always safe.
type Monitor struct {
	store      store.Store
	catalog    catalog.Catalog
	dispatcher *notify.Dispatcher
}

func New(st store.Store, cat catalog.Catalog, d *notify.Dispatcher) *Monitor {
	return &Monitor{store: st, catalog: cat, dispatcher: d}
}

// Run drives both schedules off one minute ticker: the sweep fires at the
// top of every hour and at the fixed daily times.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logrus.Info("subscription monitor running")
	for {
		select {
		case now := <-ticker.C:
			if m.due(now) {
				m.Sweep(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) due(now time.Time) bool {
	if now.Minute() == 0 {
		return true
	}
	for _, t := range dailyRunTimes {
		if now.Hour() == t[0] && now.Minute() == t[1] {
			return true
		}
	}
	return false
}

// Sweep evaluates every catalogue user once. Errors never abort the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	users, err := m.catalog.ListAllUsers(ctx)
	if err != nil {
		logrus.Errorf("reminder sweep: failed to load catalogue: %v", err)
		return
	}

	sent := 0
	for _, u := range users {
		if m.evaluate(ctx, u) {
			sent++
		}
	}
	if sent > 0 {
		logrus.Infof("reminder sweep done: %d reminders sent across %d users", sent, len(users))
	}
}

// CheckUser re-evaluates a single user on demand (admin panel operation).
func (m *Monitor) CheckUser(ctx context.Context, userID int64) (bool, error) {
	u, err := m.catalog.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, fmt.Errorf("catalogue user %d not found", userID)
	}
	return m.evaluate(ctx, *u), nil
}

// ListExpiring returns users whose subscription ends within the given number
// of days, endpoints included.
func (m *Monitor) ListExpiring(ctx context.Context, days int) ([]models.UserRecord, error) {
	users, err := m.catalog.ListAllUsers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []models.UserRecord
	for _, u := range users {
		if u.SubscriptionEnd == nil {
			continue
		}
		left := models.DaysUntil(*u.SubscriptionEnd, now)
		if left >= 0 && left <= days {
			out = append(out, u)
		}
	}
	return out, nil
}

// evaluate sends at most one reminder for (user, today, bucket). Returns
// whether a reminder went out.
func (m *Monitor) evaluate(ctx context.Context, u models.UserRecord) bool {
	if u.SubscriptionEnd == nil {
		return false
	}
	now := time.Now()
	daysLeft := models.DaysUntil(*u.SubscriptionEnd, now)
	if !reminderBuckets[daysLeft] {
		return false
	}

	ledgerKey := models.KeyReminders(now)
	field := fmt.Sprintf("%d:%d", u.UserID, daysLeft)
	if _, done := m.store.HGet(ctx, ledgerKey, field); done {
		return false
	}

	var ok bool
	if daysLeft > 0 {
		ok = m.dispatcher.SendSubWarning(ctx, u.UserID, daysLeft, *u.SubscriptionEnd)
	} else {
		ok = m.dispatcher.SendSubExpired(ctx, u.UserID, *u.SubscriptionEnd)
	}
	if !ok {
		return false
	}

	if err := m.store.HSet(ctx, ledgerKey, field, now.Format(time.RFC3339)); err != nil {
		logrus.Warnf("failed to write reminder ledger for %d: %v", u.UserID, err)
	}
	_ = m.store.Expire(ctx, ledgerKey, ledgerRetention)
	return true
}
