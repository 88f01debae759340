package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/camden-git/footfallbackend/models"
)

// ErrCustomerInactive is returned when updating a customer that has already
// been deactivated. A person who reappears gets a new identity instead.
var ErrCustomerInactive = errors.New("customer is inactive")

// CustomerRepository handles database operations for Customer and
// CustomerPosition entities
type CustomerRepository struct {
	DB *gorm.DB
}

// NewCustomerRepository creates a new instance of CustomerRepository
func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{DB: db}
}

// Create creates a new active customer first seen at now
func (r *CustomerRepository) Create(ctx context.Context, streamID string, position models.Point, box models.BoundingBox, now time.Time) (*models.Customer, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID for customer: %w", err)
	}

	customer := &models.Customer{
		ID:          id.String(),
		StreamID:    streamID,
		FirstSeen:   now,
		LastSeen:    now,
		Position:    position,
		BoundingBox: box,
		IsActive:    true,
		PositionHistory: []models.CustomerPosition{
			{X: position.X, Y: position.Y, Timestamp: now},
		},
	}

	if err := r.DB.WithContext(ctx).Create(customer).Error; err != nil {
		return nil, fmt.Errorf("failed to create customer for stream %s: %w", streamID, err)
	}
	return customer, nil
}

// GetByID retrieves a customer by ID, preloading its position history
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	var customer models.Customer
	err := r.DB.WithContext(ctx).Preload("PositionHistory", orderedHistory).First(&customer, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get customer by ID %s: %w", id, err)
	}
	return &customer, nil
}

// Update refreshes position, bounding box and last-seen time of an active
// customer and appends to its position history, keeping the most recent
// models.PositionHistorySize entries.
func (r *CustomerRepository) Update(ctx context.Context, id string, position models.Point, box models.BoundingBox, now time.Time) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer models.Customer
		if err := tx.Select("id", "first_seen", "last_seen", "is_active").First(&customer, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("failed to load customer %s: %w", id, err)
		}
		if !customer.IsActive {
			return fmt.Errorf("update customer %s: %w", id, ErrCustomerInactive)
		}

		seen := notBefore(now, customer.LastSeen)
		err := tx.Model(&models.Customer{}).Where("id = ?", id).Updates(map[string]interface{}{
			"last_seen":  seen,
			"position_x": position.X,
			"position_y": position.Y,
			"box_x":      box.X,
			"box_y":      box.Y,
			"box_width":  box.Width,
			"box_height": box.Height,
			"is_active":  true,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update customer %s: %w", id, err)
		}

		entry := models.CustomerPosition{CustomerID: id, X: position.X, Y: position.Y, Timestamp: seen}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to append position for customer %s: %w", id, err)
		}

		keep := tx.Model(&models.CustomerPosition{}).
			Select("id").
			Where("customer_id = ?", id).
			Order("id DESC").
			Limit(models.PositionHistorySize)
		err = tx.Where("customer_id = ? AND id NOT IN (?)", id, keep).Delete(&models.CustomerPosition{}).Error
		if err != nil {
			return fmt.Errorf("failed to trim position history for customer %s: %w", id, err)
		}
		return nil
	})
}

// Deactivate marks a customer inactive and stamps LastSeen with the
// deactivation time. Deactivating an inactive customer is a no-op.
func (r *CustomerRepository) Deactivate(ctx context.Context, id string, now time.Time) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customer models.Customer
		if err := tx.Select("id", "first_seen", "last_seen", "is_active").First(&customer, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("failed to load customer %s: %w", id, err)
		}
		if !customer.IsActive {
			return nil
		}

		err := tx.Model(&models.Customer{}).Where("id = ?", id).Updates(map[string]interface{}{
			"is_active": false,
			"last_seen": notBefore(now, customer.LastSeen),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to deactivate customer %s: %w", id, err)
		}
		return nil
	})
}

// AttachSnapshot overwrites the customer's snapshot image
func (r *CustomerRepository) AttachSnapshot(ctx context.Context, id string, snapshot []byte, now time.Time) error {
	result := r.DB.WithContext(ctx).Model(&models.Customer{}).Where("id = ?", id).Updates(map[string]interface{}{
		"snapshot":    snapshot,
		"snapshot_at": now,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to attach snapshot to customer %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListAll retrieves every customer seen during the process lifetime, in
// creation order
func (r *CustomerRepository) ListAll(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	err := r.DB.WithContext(ctx).Preload("PositionHistory", orderedHistory).Order("rowid ASC").Find(&customers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	return customers, nil
}

// ListActive retrieves the customers currently present, in creation order
func (r *CustomerRepository) ListActive(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	err := r.DB.WithContext(ctx).Preload("PositionHistory", orderedHistory).
		Where("is_active = ?", true).
		Order("rowid ASC").
		Find(&customers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active customers: %w", err)
	}
	return customers, nil
}

func orderedHistory(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

// notBefore returns t, or floor if t is earlier.
func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
