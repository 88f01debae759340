package models

import "time"

// PositionHistorySize bounds the number of positions kept per customer.
const PositionHistorySize = 10

// Customer represents a tracked person, using GORM.
// It corresponds to the 'customers' table.
type Customer struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	StreamID    string      `gorm:"not null;index" json:"stream_id"`
	FirstSeen   time.Time   `gorm:"not null" json:"first_seen"`
	LastSeen    time.Time   `gorm:"not null" json:"last_seen"`
	Position    Point       `gorm:"embedded;embeddedPrefix:position_" json:"position"`
	BoundingBox BoundingBox `gorm:"embedded;embeddedPrefix:box_" json:"bounding_box"`
	IsActive    bool        `gorm:"not null;index" json:"is_active"`
	Snapshot    []byte      `json:"-"`
	SnapshotAt  *time.Time  `json:"snapshot_at,omitempty"`

	// oldest first, at most PositionHistorySize entries
	PositionHistory []CustomerPosition `gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE" json:"position_history"`
}

// TableName explicitly sets the table name for GORM.
func (Customer) TableName() string {
	return "customers"
}

// HasSnapshot reports whether a snapshot has been attached.
func (c *Customer) HasSnapshot() bool {
	return len(c.Snapshot) > 0
}

// Dwell returns the time between FirstSeen and LastSeen, or between
// FirstSeen and now while the customer is still active.
func (c *Customer) Dwell(now time.Time) time.Duration {
	end := c.LastSeen
	if c.IsActive {
		end = now
	}
	if end.Before(c.FirstSeen) {
		return 0
	}
	return end.Sub(c.FirstSeen)
}

// CustomerPosition is one entry of a customer's position history.
// It corresponds to the 'customer_positions' table.
type CustomerPosition struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	CustomerID string    `gorm:"not null;index;size:36" json:"-"`
	X          float64   `gorm:"not null" json:"x"`
	Y          float64   `gorm:"not null" json:"y"`
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
}

// TableName explicitly sets the table name for GORM.
func (CustomerPosition) TableName() string {
	return "customer_positions"
}
