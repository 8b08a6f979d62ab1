package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"subgate/internal/catalog"
	"subgate/internal/metrics"
	"subgate/internal/models"
	"subgate/internal/notify"
	"subgate/internal/store"
)

const (
	tickInterval     = 10 * time.Second
	recipientPause   = 100 * time.Millisecond
	receiptRetention = 30 * 24 * time.Hour
	statsRetention   = 60 * 24 * time.Hour
	leaseTTL         = 30 * time.Second
)

// AccessChecker gates every resolved recipient; revoked users never receive
// broadcasts.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID int64) bool
}

// Worker drains the broadcast queue, one job at a time. A single runner per
// deployment: the store lease detects a misconfigured second worker.
type Worker struct {
	manager    *Manager
	store      store.Store
	catalog    catalog.Catalog
	dispatcher *notify.Dispatcher
	access     AccessChecker

	id string
	// job currently being processed by this runner; any other in-progress
	// job found on a tick was interrupted by a crash.
	currentJob string

	pause time.Duration
}

func NewWorker(m *Manager, st store.Store, cat catalog.Catalog, d *notify.Dispatcher, access AccessChecker) *Worker {
	return &Worker{
		manager:    m,
		store:      st,
		catalog:    cat,
		dispatcher: d,
		access:     access,
		id:         fmt.Sprintf("worker-%d", time.Now().UnixNano()),
		pause:      recipientPause,
	}
}

// Run ticks until ctx is cancelled. Each tick: renew the singleton lease,
// fail over interrupted jobs, promote due scheduled jobs, process one job.
// Nothing thrown inside a tick escapes the loop.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logrus.Infof("broadcast worker %s running", w.id)
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("broadcast worker tick panicked: %v", r)
			time.Sleep(time.Second)
		}
	}()

	if !w.acquireLease(ctx) {
		logrus.Error("another broadcast worker holds the lease; concurrent workers are a configuration error")
		return
	}

	w.failInterrupted(ctx)
	w.promoteScheduled(ctx)

	id, ok := w.store.RPop(ctx, models.KeyBroadcastQueue)
	if !ok {
		return
	}
	w.process(ctx, id)
}

func (w *Worker) acquireLease(ctx context.Context) bool {
	ok, err := w.store.SetNX(ctx, models.KeyWorkerLock, w.id, leaseTTL)
	if err != nil {
		logrus.Warnf("lease check failed: %v", err)
		return true // substrate trouble should not stall the only worker
	}
	if ok {
		return true
	}
	holder, _ := w.store.Get(ctx, models.KeyWorkerLock)
	if holder == w.id {
		_ = w.store.Expire(ctx, models.KeyWorkerLock, leaseTTL)
		return true
	}
	return false
}

// failInterrupted transitions any in-progress job this runner does not own to
// failed. There is no per-recipient resume; operators create a follow-up job.
func (w *Worker) failInterrupted(ctx context.Context) {
	for _, job := range w.manager.List(ctx) {
		if job.Status != models.BroadcastInProgress || job.ID == w.currentJob {
			continue
		}
		job.Status = models.BroadcastFailed
		now := time.Now()
		job.CompletedAt = &now
		if err := w.manager.put(ctx, &job); err != nil {
			logrus.Errorf("failed to fail interrupted broadcast %s: %v", job.ID, err)
			continue
		}
		metrics.BroadcastsCompleted.WithLabelValues(string(models.BroadcastFailed)).Inc()
		logrus.Warnf("broadcast %s was interrupted mid-flight, marked failed (sent=%d)", job.ID, job.Sent)
	}
}

// promoteScheduled pushes due scheduled jobs onto the queue.
func (w *Worker) promoteScheduled(ctx context.Context) {
	now := time.Now()
	for _, job := range w.manager.List(ctx) {
		if job.Status != models.BroadcastPending || job.ScheduledAt == nil || job.ScheduledAt.After(now) {
			continue
		}
		job.ScheduledAt = nil
		if err := w.manager.put(ctx, &job); err != nil {
			continue
		}
		if err := w.store.LPush(ctx, models.KeyBroadcastQueue, job.ID); err != nil {
			logrus.Errorf("failed to enqueue scheduled broadcast %s: %v", job.ID, err)
			continue
		}
		logrus.Infof("promoted scheduled broadcast %s", job.ID)
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	job, ok := w.manager.Get(ctx, id)
	if !ok {
		logrus.Warnf("queued broadcast %s not found, dropping", id)
		return
	}
	// Idempotent guard: duplicate enqueues and cancelled jobs are skipped.
	if job.Status != models.BroadcastPending {
		logrus.Infof("skipping broadcast %s in status %s", id, job.Status)
		return
	}

	job.Status = models.BroadcastInProgress
	if err := w.manager.put(ctx, job); err != nil {
		logrus.Errorf("failed to start broadcast %s: %v", id, err)
		return
	}
	w.currentJob = id
	defer func() { w.currentJob = "" }()

	started := time.Now()
	recipients, err := w.resolveAudience(ctx, job.Audience)
	if err != nil {
		logrus.Errorf("failed to resolve audience for %s: %v", id, err)
		w.finish(ctx, job, started, models.BroadcastFailed)
		return
	}

	job.TotalRecipients = len(recipients)
	if len(recipients) == 0 {
		logrus.Warnf("broadcast %s resolved zero recipients", id)
		w.finish(ctx, job, started, models.BroadcastFailed)
		return
	}
	if err := w.manager.put(ctx, job); err != nil {
		logrus.Errorf("failed to persist recipient count for %s: %v", id, err)
	}

	for i, userID := range recipients {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok := w.dispatcher.SendPersonal(ctx, userID, job.Title, job.Body, job.AdminID, job.Priority)
		if ok {
			job.Sent++
		} else {
			job.Failed++
		}
		w.recordReceipt(ctx, job.ID, userID, ok)
		// Persist counters as we go so a crash leaves the true sent count
		// behind for the failover path.
		if err := w.manager.put(ctx, job); err != nil {
			logrus.Warnf("failed to persist progress of %s: %v", job.ID, err)
		}

		// Spread sends out so the chat provider is not burst-flooded.
		if i < len(recipients)-1 {
			time.Sleep(w.pause)
		}
	}

	w.finish(ctx, job, started, models.BroadcastCompleted)
}

func (w *Worker) finish(ctx context.Context, job *models.Broadcast, started time.Time, status models.BroadcastStatus) {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	job.ElapsedSeconds = now.Sub(started).Seconds()
	if job.TotalRecipients > 0 {
		job.SuccessRate = float64(job.Sent) / float64(job.TotalRecipients)
	}
	if err := w.manager.put(ctx, job); err != nil {
		logrus.Errorf("failed to persist terminal state of %s: %v", job.ID, err)
		return
	}

	statsKey := models.KeyBroadcastStats(now)
	_ = w.store.HIncrBy(ctx, statsKey, models.StatBroadcastsSent, 1)
	_ = w.store.HIncrBy(ctx, statsKey, models.StatMessagesSent, int64(job.Sent))
	_ = w.store.HIncrBy(ctx, statsKey, models.StatMessagesFailed, int64(job.Failed))
	_ = w.store.Expire(ctx, statsKey, statsRetention)

	metrics.BroadcastsCompleted.WithLabelValues(string(status)).Inc()
	logrus.Infof("broadcast %s %s: sent=%d failed=%d of %d in %.1fs",
		job.ID, status, job.Sent, job.Failed, job.TotalRecipients, job.ElapsedSeconds)
}

func (w *Worker) recordReceipt(ctx context.Context, broadcastID string, userID int64, success bool) {
	data, err := json.Marshal(models.DeliveryReceipt{UserID: userID, SentAt: time.Now(), Success: success})
	if err != nil {
		return
	}
	key := models.KeyDelivery(broadcastID)
	if err := w.store.HSet(ctx, key, strconv.FormatInt(userID, 10), string(data)); err != nil {
		logrus.Warnf("failed to record receipt for %d in %s: %v", userID, broadcastID, err)
		return
	}
	_ = w.store.Expire(ctx, key, receiptRetention)
}

// resolveAudience walks the catalogue, applies the selector and the access
// check. Explicit lists skip the catalogue walk but not the access check.
func (w *Worker) resolveAudience(ctx context.Context, sel models.AudienceSelector) ([]int64, error) {
	now := time.Now()

	if sel.Kind == models.SelectExplicitList {
		var out []int64
		for _, id := range sel.UserIDs {
			if w.access.HasAccess(ctx, id) {
				out = append(out, id)
			}
		}
		return out, nil
	}

	users, err := w.catalog.ListAllUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogue users: %w", err)
	}
	var out []int64
	for _, u := range users {
		if !sel.Matches(u, now) {
			continue
		}
		if !w.access.HasAccess(ctx, u.UserID) {
			continue
		}
		out = append(out, u.UserID)
	}
	return out, nil
}
