package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WalletLedgerEntry Model. Rows are append-only.
type WalletLedgerEntry struct {
	ID           uint              `gorm:"primaryKey" json:"id"`                                      // Primary key
	WalletID     uint              `gorm:"not null;index" json:"wallet_id"`                           // Wallet the delta was applied to
	OwnerType    string            `gorm:"size:64;not null;index:idx_ledger_owner" json:"owner_type"` // Owner kind
	OwnerID      uint              `gorm:"not null;index:idx_ledger_owner" json:"owner_id"`          // Owner id
	Delta        decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"delta"`                  // Signed change
	BalanceAfter decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"balance_after"`          // Snapshot after applying Delta
	Description  string            `gorm:"size:255" json:"description"`                              // Human readable reason
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`                                        // Arbitrary caller metadata
	Reference    *string           `gorm:"size:191;uniqueIndex" json:"reference,omitempty"`           // Optional idempotency key
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
}

// Owner returns the polymorphic owner reference.
func (e *WalletLedgerEntry) Owner() Ref {
	return Ref{Type: e.OwnerType, ID: e.OwnerID}
}

// BeforeUpdate rejects any attempt to rewrite history.
func (e *WalletLedgerEntry) BeforeUpdate(*gorm.DB) error {
	return ErrLedgerImmutable
}

// BeforeDelete rejects any attempt to rewrite history.
func (e *WalletLedgerEntry) BeforeDelete(*gorm.DB) error {
	return ErrLedgerImmutable
}
