package domain

import (
	"time"

	"gorm.io/datatypes"
)

// InventoryStatus is the lifecycle state of a single coded unit.
type InventoryStatus string

const (
	UnitAvailable InventoryStatus = "available"
	UnitReserved  InventoryStatus = "reserved"
	UnitSold      InventoryStatus = "sold"
	UnitExpired   InventoryStatus = "expired"
	UnitDamaged   InventoryStatus = "damaged"
)

var unitTransitions = map[InventoryStatus][]InventoryStatus{
	UnitAvailable: {UnitReserved, UnitExpired, UnitDamaged},
	UnitReserved:  {UnitSold, UnitAvailable},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s InventoryStatus) CanTransitionTo(next InventoryStatus) bool {
	for _, allowed := range unitTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InventoryUnit is one uniquely coded, individually sellable piece of stock.
type InventoryUnit struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	PlanID      uint              `gorm:"not null;index:idx_unit_plan_status,priority:1" json:"plan_id"`
	Code        string            `gorm:"size:191;not null;uniqueIndex" json:"code"`
	Status      InventoryStatus   `gorm:"size:16;not null;index:idx_unit_plan_status,priority:2" json:"status"`
	UserID      *uint             `gorm:"index" json:"user_id,omitempty"` // set only once sold
	PurchasedAt *time.Time        `json:"purchased_at,omitempty"`         // when the code entered stock
	ReservedAt  *time.Time        `json:"reserved_at,omitempty"`
	SoldAt      *time.Time        `json:"sold_at,omitempty"`
	ExpiresAt   *time.Time        `gorm:"index" json:"expires_at,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// StockLevels is a point-in-time count of a plan's units per status.
type StockLevels struct {
	PlanID    uint  `json:"plan_id"`
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Sold      int64 `json:"sold"`
	Expired   int64 `json:"expired"`
	Damaged   int64 `json:"damaged"`
}
