package access

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"subgate/internal/catalog"
	"subgate/internal/models"
	"subgate/internal/store"
)

// Registry is the authoritative access set shared by both processes. All
// mutations go through the registry's lock before publishing, so added and
// removed events for one user are totally ordered.
type Registry struct {
	mu           sync.Mutex
	store        store.Store
	catalog      catalog.Catalog
	admins       map[int64]bool
	snapshotPath string

	// last-known mirror, served when the store is unreachable and flushed
	// to the snapshot file on every mutation.
	mirror map[int64]models.AccessRecord
}

// NewRegistry loads the hard-coded admin list and the last snapshot. An
// unreadable admin-config file means no hard-coded admins, not a fatal error.
func NewRegistry(st store.Store, cat catalog.Catalog, adminConfigPath, snapshotPath string) *Registry {
	r := &Registry{
		store:        st,
		catalog:      cat,
		admins:       loadAdminConfig(adminConfigPath),
		snapshotPath: snapshotPath,
		mirror:       make(map[int64]models.AccessRecord),
	}
	r.loadSnapshot()
	return r
}

func loadAdminConfig(path string) map[int64]bool {
	admins := make(map[int64]bool)
	if path == "" {
		return admins
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Warnf("admin config %s unreadable, continuing with no hard-coded admins: %v", path, err)
		return admins
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		logrus.Warnf("admin config %s invalid, continuing with no hard-coded admins: %v", path, err)
		return admins
	}
	for _, id := range ids {
		admins[id] = true
	}
	return admins
}

// IsHardcodedAdmin reports whether the id is listed in the static config.
func (r *Registry) IsHardcodedAdmin(userID int64) bool {
	return r.admins[userID]
}

// HasAccess combines config-admin membership with panel records. Records past
// their subscription end are lazily deactivated and a removal event is
// published so caches converge without waiting for the monitor.
func (r *Registry) HasAccess(ctx context.Context, userID int64) bool {
	if r.admins[userID] {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.getRecord(ctx, userID)
	if !ok {
		return false
	}
	if !rec.Active {
		return false
	}
	if rec.SubscriptionEnd != nil && rec.SubscriptionEnd.Before(time.Now()) {
		rec.Active = false
		if err := r.putRecord(ctx, rec); err != nil {
			logrus.Warnf("lazy expiry write failed for %d: %v", userID, err)
		}
		r.publishEvent(ctx, models.TopicAccessRemoved, userID, "subscription expired")
		return false
	}
	return true
}

// AddUser creates or reactivates a record. Calling it twice for the same id
// is equivalent to one call. For hard-coded admins it is a no-op success.
func (r *Registry) AddUser(ctx context.Context, rec models.AccessRecord) bool {
	if r.admins[rec.UserID] {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.getRecord(ctx, rec.UserID); ok {
		existing.Active = true
		existing.Role = rec.Role
		existing.SubscriptionEnd = rec.SubscriptionEnd
		if err := r.putRecord(ctx, existing); err != nil {
			return false
		}
		r.publishEvent(ctx, models.TopicAccessAdded, rec.UserID, "reactivated")
		return true
	}

	rec.Source = models.SourcePanel
	rec.Active = true
	if rec.AddedAt.IsZero() {
		rec.AddedAt = time.Now()
	}
	if err := r.putRecord(ctx, rec); err != nil {
		return false
	}
	r.publishEvent(ctx, models.TopicAccessAdded, rec.UserID, "added")
	return true
}

// RemoveUser deactivates a record and publishes the removal event. It refuses
// for hard-coded admins and publishes nothing in that case.
func (r *Registry) RemoveUser(ctx context.Context, userID int64) bool {
	if r.admins[userID] {
		logrus.Warnf("refusing to remove hard-coded admin %d", userID)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.getRecord(ctx, userID)
	if !ok {
		return false
	}
	rec.Active = false
	if err := r.putRecord(ctx, rec); err != nil {
		return false
	}
	r.publishEvent(ctx, models.TopicAccessRemoved, userID, "removed by admin")
	return true
}

// ForceSync re-reads the admin-config list and the subscription catalogue and
// reconciles the union into the store. Hard-coded admins win every conflict.
func (r *Registry) ForceSync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, err := r.catalog.ListAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list catalogue users: %w", err)
	}

	for _, u := range users {
		if r.admins[u.UserID] {
			continue
		}
		rec, ok := r.getRecord(ctx, u.UserID)
		if !ok {
			rec = models.AccessRecord{
				UserID:  u.UserID,
				Source:  models.SourcePanel,
				AddedAt: time.Now(),
			}
		}
		rec.Role = u.RoleTag
		rec.Active = u.Active
		rec.SubscriptionEnd = u.SubscriptionEnd
		if err := r.putRecord(ctx, rec); err != nil {
			logrus.Warnf("force sync: failed to store record for %d: %v", u.UserID, err)
		}
	}

	for id := range r.admins {
		rec := models.AccessRecord{
			UserID:  id,
			Source:  models.SourceHardcodedAdmin,
			Role:    models.RoleAdmin,
			Active:  true,
			AddedAt: time.Now(),
		}
		if existing, ok := r.getRecord(ctx, id); ok {
			rec.AddedAt = existing.AddedAt
		}
		if err := r.putRecord(ctx, rec); err != nil {
			logrus.Warnf("force sync: failed to store admin record for %d: %v", id, err)
		}
	}

	logrus.Infof("access registry synced: %d catalogue users, %d hard-coded admins", len(users), len(r.admins))
	return nil
}

// GetRecord returns the stored record, if any.
func (r *Registry) GetRecord(ctx context.Context, userID int64) (models.AccessRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getRecord(ctx, userID)
}

func (r *Registry) getRecord(ctx context.Context, userID int64) (models.AccessRecord, bool) {
	raw, ok := r.store.HGet(ctx, models.KeyAccessUsers, strconv.FormatInt(userID, 10))
	if !ok {
		// store unreachable or record missing; the mirror distinguishes the
		// two well enough for read-side fallback.
		rec, hit := r.mirror[userID]
		return rec, hit
	}
	var rec models.AccessRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		logrus.Warnf("malformed access record for %d, dropping: %v", userID, err)
		return models.AccessRecord{}, false
	}
	r.mirror[userID] = rec
	return rec, true
}

// putRecord persists to the store first; the mirror and snapshot only pick up
// the change on success, so a refused mutation never leaks into the fallback
// read path.
func (r *Registry) putRecord(ctx context.Context, rec models.AccessRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal access record: %w", err)
	}
	if err := r.store.HSet(ctx, models.KeyAccessUsers, strconv.FormatInt(rec.UserID, 10), string(data)); err != nil {
		logrus.Errorf("store write failed for user %d: %v", rec.UserID, err)
		return err
	}
	r.mirror[rec.UserID] = rec
	r.saveSnapshot()
	return nil
}

func (r *Registry) publishEvent(ctx context.Context, topic string, userID int64, reason string) {
	payload, err := json.Marshal(models.AccessEvent{UserID: userID, At: time.Now(), Reason: reason})
	if err != nil {
		return
	}
	if err := r.store.Publish(ctx, topic, payload); err != nil {
		logrus.Warnf("failed to publish %s for %d: %v", topic, userID, err)
	}
}

func (r *Registry) loadSnapshot() {
	if r.snapshotPath == "" {
		return
	}
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		return
	}
	var recs []models.AccessRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		logrus.Warnf("access snapshot %s invalid: %v", r.snapshotPath, err)
		return
	}
	for _, rec := range recs {
		r.mirror[rec.UserID] = rec
	}
	logrus.Infof("loaded %d access records from snapshot", len(recs))
}

func (r *Registry) saveSnapshot() {
	if r.snapshotPath == "" {
		return
	}
	recs := make([]models.AccessRecord, 0, len(r.mirror))
	for _, rec := range r.mirror {
		recs = append(recs, rec)
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return
	}
	if err := os.WriteFile(r.snapshotPath, data, 0644); err != nil {
		logrus.Warnf("failed to write access snapshot: %v", err)
	}
}
