package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet Model
type Wallet struct {
	ID        uint            `gorm:"primaryKey" json:"id"`                                            // Primary key
	OwnerType string          `gorm:"size:64;not null;uniqueIndex:idx_wallet_owner" json:"owner_type"` // Owner kind
	OwnerID   uint            `gorm:"not null;uniqueIndex:idx_wallet_owner" json:"owner_id"`           // Owner id
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`            // Never negative once committed
	Currency  string          `gorm:"size:8;not null" json:"currency"`                                 // ISO currency code
	CreatedAt time.Time       `json:"created_at"`                                                      // Creation time
	UpdatedAt time.Time       `json:"updated_at"`                                                      // Last balance change
}

// Owner returns the polymorphic owner reference.
func (w *Wallet) Owner() Ref {
	return Ref{Type: w.OwnerType, ID: w.OwnerID}
}
