package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCompleted, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderCancelled},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order metadata keys understood by the core.
const (
	MetaOrderType        = "type"
	OrderTypeWalletTopUp = "wallet_topup"
	MetaCreditedAt       = "credited_at"
)

// Order (transaction) Model
type Order struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	PurchaserType string            `gorm:"size:64;not null;index:idx_order_purchaser" json:"purchaser_type"`
	PurchaserID   uint              `gorm:"not null;index:idx_order_purchaser" json:"purchaser_id"`
	Status        OrderStatus       `gorm:"size:16;not null;index" json:"status"`
	Total         decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"total"`
	Currency      string            `gorm:"size:8;not null" json:"currency"`
	Description   string            `gorm:"size:255" json:"description"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	Items         []OrderItem       `gorm:"constraint:OnDelete:CASCADE;" json:"items,omitempty"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
}

// Purchaser returns the polymorphic purchaser reference.
func (o *Order) Purchaser() Ref {
	return Ref{Type: o.PurchaserType, ID: o.PurchaserID}
}

// IsTopUp reports whether completing the order must credit the purchaser's wallet.
func (o *Order) IsTopUp() bool {
	t, _ := o.Metadata[MetaOrderType].(string)
	return t == OrderTypeWalletTopUp
}

// OrderItem Model. UnitPrice is captured when the order is created and never re-derived.
type OrderItem struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	OrderID   uint            `gorm:"not null;index" json:"order_id"`
	ItemType  string          `gorm:"size:64;not null" json:"item_type"`
	ItemID    uint            `gorm:"not null" json:"item_id"`
	Name      string          `gorm:"size:191" json:"name"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"unit_price"`
	Subtotal  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

// Item returns the polymorphic item reference.
func (i *OrderItem) Item() Ref {
	return Ref{Type: i.ItemType, ID: i.ItemID}
}

// OrderReservation links an order line to an inventory unit it holds.
type OrderReservation struct {
	ID              uint      `gorm:"primaryKey"`
	OrderID         uint      `gorm:"not null;index"`
	OrderItemID     uint      `gorm:"not null;index"`
	InventoryUnitID uint      `gorm:"not null;uniqueIndex"`
	CreatedAt       time.Time
}
