package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"subgate/internal/models"
	"subgate/internal/store"
)

// Manager accepts broadcast jobs and answers queries about them. Draining the
// queue is the Worker's job.
type Manager struct {
	store store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Create stores a new job and, when immediate, enqueues it. Scheduled jobs
// sit in the jobs hash until the worker promotes them.
func (m *Manager) Create(ctx context.Context, title, body string, audience models.AudienceSelector, adminID int64, priority models.Priority, scheduledAt *time.Time) (string, error) {
	if title == "" && body == "" {
		return "", fmt.Errorf("broadcast needs a title or a body")
	}

	job := &models.Broadcast{
		ID:          uuid.NewString(),
		Title:       title,
		Body:        body,
		Priority:    priority,
		Audience:    audience,
		AdminID:     adminID,
		Status:      models.BroadcastPending,
		CreatedAt:   time.Now(),
		ScheduledAt: scheduledAt,
	}

	if err := m.put(ctx, job); err != nil {
		return "", err
	}
	if scheduledAt == nil || !scheduledAt.After(time.Now()) {
		if err := m.store.LPush(ctx, models.KeyBroadcastQueue, job.ID); err != nil {
			return "", fmt.Errorf("failed to enqueue broadcast: %w", err)
		}
	}

	logrus.Infof("broadcast %s created by admin %d (audience %s)", job.ID, adminID, audience.Kind)
	return job.ID, nil
}

// Cancel succeeds only while the job is still pending. The queue entry is
// removed best-effort; the worker's status guard catches stragglers.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	job, ok := m.Get(ctx, id)
	if !ok {
		return false
	}
	if job.Status != models.BroadcastPending {
		return false
	}

	job.Status = models.BroadcastCancelled
	if err := m.put(ctx, job); err != nil {
		logrus.Errorf("failed to persist cancellation of %s: %v", id, err)
		return false
	}
	if err := m.store.LRem(ctx, models.KeyBroadcastQueue, 0, id); err != nil {
		logrus.Warnf("failed to drop %s from queue: %v", id, err)
	}
	logrus.Infof("broadcast %s cancelled", id)
	return true
}

// Get loads one job.
func (m *Manager) Get(ctx context.Context, id string) (*models.Broadcast, bool) {
	raw, ok := m.store.HGet(ctx, models.KeyBroadcasts, id)
	if !ok {
		return nil, false
	}
	var job models.Broadcast
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		logrus.Warnf("malformed broadcast record %s, dropping: %v", id, err)
		return nil, false
	}
	return &job, true
}

// List returns every stored job, malformed entries skipped.
func (m *Manager) List(ctx context.Context) []models.Broadcast {
	fields := m.store.HGetAll(ctx, models.KeyBroadcasts)
	jobs := make([]models.Broadcast, 0, len(fields))
	for id, raw := range fields {
		var job models.Broadcast
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			logrus.Warnf("malformed broadcast record %s: %v", id, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// Receipts returns the per-recipient delivery outcomes of one job.
func (m *Manager) Receipts(ctx context.Context, id string) []models.DeliveryReceipt {
	fields := m.store.HGetAll(ctx, models.KeyDelivery(id))
	out := make([]models.DeliveryReceipt, 0, len(fields))
	for _, raw := range fields {
		var r models.DeliveryReceipt
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// put persists a job, refusing status regressions out of terminal states.
func (m *Manager) put(ctx context.Context, job *models.Broadcast) error {
	if existing, ok := m.Get(ctx, job.ID); ok {
		if existing.Status.Terminal() && existing.Status != job.Status {
			logrus.Errorf("refusing broadcast status regression %s: %s -> %s", job.ID, existing.Status, job.Status)
			return fmt.Errorf("broadcast %s already %s", job.ID, existing.Status)
		}
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	if err := m.store.HSet(ctx, models.KeyBroadcasts, job.ID, string(data)); err != nil {
		return fmt.Errorf("failed to store broadcast: %w", err)
	}
	return nil
}
