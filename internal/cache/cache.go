package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"subgate/internal/models"
	"subgate/internal/store"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Checker is the authoritative access query the cache falls through to on a
// miss. Satisfied by *access.Registry.
type Checker interface {
	HasAccess(ctx context.Context, userID int64) bool
}

// AccessCache keeps the bot's hot path off the shared store: a blocked set
// that only explicit events or trigger text clear, and a verified map with a
// TTL. One mutex guards both; the reader path takes it briefly.
type AccessCache struct {
	mu       sync.Mutex
	blocked  map[int64]struct{}
	verified map[int64]time.Time

	checker       Checker
	store         store.Store
	ttl           time.Duration
	sweepInterval time.Duration
}

func New(checker Checker, st store.Store, ttl, sweepInterval time.Duration) *AccessCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &AccessCache{
		blocked:       make(map[int64]struct{}),
		verified:      make(map[int64]time.Time),
		checker:       checker,
		store:         st,
		ttl:           ttl,
		sweepInterval: sweepInterval,
	}
}

// CheckAccess is the per-message gate. Blocked wins over everything; a fresh
// verification short-circuits; otherwise the registry is asked and the answer
// cached.
func (c *AccessCache) CheckAccess(ctx context.Context, userID int64) bool {
	c.mu.Lock()
	if _, ok := c.blocked[userID]; ok {
		c.mu.Unlock()
		return false
	}
	if at, ok := c.verified[userID]; ok && time.Since(at) < c.ttl {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	allowed := c.checker.HasAccess(ctx, userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if allowed {
		c.verified[userID] = time.Now()
		delete(c.blocked, userID)
	} else {
		c.blocked[userID] = struct{}{}
		delete(c.verified, userID)
	}
	return allowed
}

// Block forces the id into the denied set. Used by the access.removed event
// reaction and by the trigger-text handler.
func (c *AccessCache) Block(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[userID] = struct{}{}
	delete(c.verified, userID)
}

// Unblock clears the denied state and marks the id freshly verified.
func (c *AccessCache) Unblock(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, userID)
	c.verified[userID] = time.Now()
}

// IsBlocked reports the denied set without consulting the registry.
func (c *AccessCache) IsBlocked(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocked[userID]
	return ok
}

// Run subscribes to the access topics and starts the sweeper. It blocks until
// ctx is cancelled.
func (c *AccessCache) Run(ctx context.Context) {
	events, cancel := c.store.Subscribe(ctx, models.TopicAccessAdded, models.TopicAccessRemoved)
	defer cancel()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	logrus.Info("access cache running")
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(msg)
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (c *AccessCache) handleEvent(msg store.Message) {
	var ev models.AccessEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logrus.Warnf("malformed access event on %s, dropping: %v", msg.Topic, err)
		return
	}
	switch msg.Topic {
	case models.TopicAccessAdded:
		c.Unblock(ev.UserID)
		logrus.Infof("access granted event for %d (%s)", ev.UserID, ev.Reason)
	case models.TopicAccessRemoved:
		c.Block(ev.UserID)
		logrus.Infof("access revoked event for %d (%s)", ev.UserID, ev.Reason)
	}
}

// sweep purges verified entries older than the TTL in one batch under the
// lock. The blocked set never expires.
func (c *AccessCache) sweep() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range c.verified {
		if at.Before(cutoff) {
			delete(c.verified, id)
		}
	}
}
