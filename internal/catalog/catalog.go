package catalog

import (
	"context"
	"time"

	"subgate/internal/models"
)

// Catalog is the subscription catalogue the core depends on. The admin panel
// and the in-process subscription service may hold diverging views of the
// same data; reconciling them is the implementation's problem, not the
// core's.
type Catalog interface {
	ListAllUsers(ctx context.Context) ([]models.UserRecord, error)
	GetUser(ctx context.Context, userID int64) (*models.UserRecord, error)
	PutUser(ctx context.Context, user models.UserRecord) error
	SetActive(ctx context.Context, userID int64, active bool) error
	SetSubscriptionEnd(ctx context.Context, userID int64, end time.Time) error
}
