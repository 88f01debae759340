package repository

import (
	"context"
	"time"

	"github.com/camden-git/footfallbackend/models"
)

// CustomerRepositoryInterface defines the methods for customer census operations.
// Records are created and mutated in place but never deleted.
type CustomerRepositoryInterface interface {
	Create(ctx context.Context, streamID string, position models.Point, box models.BoundingBox, now time.Time) (*models.Customer, error)
	GetByID(ctx context.Context, id string) (*models.Customer, error)
	Update(ctx context.Context, id string, position models.Point, box models.BoundingBox, now time.Time) error
	Deactivate(ctx context.Context, id string, now time.Time) error
	AttachSnapshot(ctx context.Context, id string, snapshot []byte, now time.Time) error
	ListAll(ctx context.Context) ([]models.Customer, error)
	ListActive(ctx context.Context) ([]models.Customer, error)
}
