package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GatewayDriver selects the implementation behind a configured gateway.
type GatewayDriver string

const (
	DriverInternal       GatewayDriver = "internal"
	DriverCard           GatewayDriver = "card"
	DriverExternalWallet GatewayDriver = "external_wallet"
)

// PaymentGatewayConfig Model
type PaymentGatewayConfig struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Name      string            `gorm:"size:64;not null;uniqueIndex" json:"name"`
	Driver    GatewayDriver     `gorm:"size:32;not null" json:"driver"`
	Active    bool              `gorm:"not null;index" json:"active"`
	Priority  int               `gorm:"not null" json:"priority"`
	Config    datatypes.JSONMap `json:"-"` // secrets, never rendered
	Display   datatypes.JSONMap `json:"display,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableName keeps the table name short.
func (PaymentGatewayConfig) TableName() string {
	return "payment_gateways"
}

// PaymentStatus is the lifecycle state of one payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentRecord Model. (Gateway, ExternalReference) is the webhook idempotency key.
type PaymentRecord struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	OrderID           uint              `gorm:"not null;index" json:"order_id"`
	Gateway           string            `gorm:"size:64;not null;uniqueIndex:idx_payment_gateway_ref" json:"gateway"`
	ExternalReference *string           `gorm:"size:191;uniqueIndex:idx_payment_gateway_ref" json:"external_reference,omitempty"`
	Amount            decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"amount"`
	RefundedAmount    decimal.Decimal   `gorm:"type:decimal(20,2);not null;default:0" json:"refunded_amount"`
	Currency          string            `gorm:"size:8;not null" json:"currency"`
	Status            PaymentStatus     `gorm:"size:16;not null;index" json:"status"`
	PayerInfo         datatypes.JSONMap `json:"payer_info,omitempty"`
	FailureReason     string            `gorm:"size:255" json:"failure_reason,omitempty"`
	VerifiedAt        *time.Time        `json:"verified_at,omitempty"`
	WebhookReceived   bool              `gorm:"not null" json:"webhook_received"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Reference returns the gateway-assigned reference or "" while unknown.
func (p *PaymentRecord) Reference() string {
	if p.ExternalReference == nil {
		return ""
	}
	return *p.ExternalReference
}
