package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"subgate/internal/models"
)

// MemoryCatalog is the hermetic test double.
type MemoryCatalog struct {
	mu    sync.RWMutex
	users map[int64]models.UserRecord
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{users: make(map[int64]models.UserRecord)}
}

func (c *MemoryCatalog) ListAllUsers(ctx context.Context) ([]models.UserRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users := make([]models.UserRecord, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	return users, nil
}

func (c *MemoryCatalog) GetUser(ctx context.Context, userID int64) (*models.UserRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (c *MemoryCatalog) PutUser(ctx context.Context, user models.UserRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[user.UserID] = user
	return nil
}

func (c *MemoryCatalog) SetActive(ctx context.Context, userID int64, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		return fmt.Errorf("catalogue user %d not found", userID)
	}
	u.Active = active
	c.users[userID] = u
	return nil
}

func (c *MemoryCatalog) SetSubscriptionEnd(ctx context.Context, userID int64, end time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		return fmt.Errorf("catalogue user %d not found", userID)
	}
	u.SubscriptionEnd = &end
	c.users[userID] = u
	return nil
}
