package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"subgate/internal/models"
	"subgate/internal/store"
)

// RedisCatalog keeps user records as JSON fields of one hash under the
// shared store.
type RedisCatalog struct {
	store store.Store
}

func NewRedisCatalog(st store.Store) *RedisCatalog {
	return &RedisCatalog{store: st}
}

func (c *RedisCatalog) ListAllUsers(ctx context.Context) ([]models.UserRecord, error) {
	fields := c.store.HGetAll(ctx, models.KeyCatalogUsers)
	users := make([]models.UserRecord, 0, len(fields))
	for field, raw := range fields {
		var u models.UserRecord
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			logrus.Warnf("malformed catalogue record %s, dropping: %v", field, err)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func (c *RedisCatalog) GetUser(ctx context.Context, userID int64) (*models.UserRecord, error) {
	raw, ok := c.store.HGet(ctx, models.KeyCatalogUsers, strconv.FormatInt(userID, 10))
	if !ok {
		return nil, nil
	}
	var u models.UserRecord
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalogue record %d: %w", userID, err)
	}
	return &u, nil
}

func (c *RedisCatalog) PutUser(ctx context.Context, user models.UserRecord) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal catalogue record: %w", err)
	}
	return c.store.HSet(ctx, models.KeyCatalogUsers, strconv.FormatInt(user.UserID, 10), string(data))
}

func (c *RedisCatalog) SetActive(ctx context.Context, userID int64, active bool) error {
	u, err := c.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("catalogue user %d not found", userID)
	}
	u.Active = active
	return c.PutUser(ctx, *u)
}

func (c *RedisCatalog) SetSubscriptionEnd(ctx context.Context, userID int64, end time.Time) error {
	u, err := c.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("catalogue user %d not found", userID)
	}
	u.SubscriptionEnd = &end
	return c.PutUser(ctx, *u)
}
