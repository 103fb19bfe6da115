package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a sellable catalog entry. The catalog layer owns it; the core only reads it.
type Plan struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Name           string          `gorm:"size:191;not null" json:"name"`
	Price          decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"price"`
	Currency       string          `gorm:"size:8;not null" json:"currency"`
	TrackInventory bool            `gorm:"not null" json:"track_inventory"` // false for unlimited digital goods
	Active         bool            `gorm:"not null" json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
