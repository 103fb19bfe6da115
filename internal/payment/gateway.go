// Package payment abstracts the payment backends behind one driver interface and keeps
// a PaymentRecord per attempt. It never completes orders; that is the reconciler's job.
package payment

import (
	"context"
	"net/http"

	"recharge_store/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InitiateRequest is what a driver needs to start collecting money for an order.
type InitiateRequest struct {
	Order   *domain.Order
	Record  *domain.PaymentRecord // pending, already stored
	Options map[string]any        // caller hints: return_url, cancel_url, payment_method
}

// InitiateResult is the driver's answer to Initiate.
type InitiateResult struct {
	Reference    string
	RedirectURL  string         // where the payer must go to approve, if anywhere
	ClientSecret string         // for client-side confirmation flows
	Captured     bool           // funds are already taken; reconcile immediately
	PayerInfo    map[string]any // whatever the backend told us about the payer
}

// Verification is the gateway's view of a payment.
type Verification struct {
	Verified  bool
	Status    domain.PaymentStatus
	Amount    decimal.Decimal
	PayerInfo map[string]any
	Reason    string
}

// WebhookResult is a normalized webhook notification.
type WebhookResult struct {
	Reference     string
	Event         string
	ShouldProcess bool // false for events that do not signal completion
}

// RefundRequest asks a driver to return part or all of a completed payment.
type RefundRequest struct {
	Record *domain.PaymentRecord
	Order  *domain.Order
	Amount decimal.Decimal
}

// Driver is one payment backend.
type Driver interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
	Refund(ctx context.Context, req RefundRequest) error
	ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookResult, error)
}

// TxDriver is implemented by drivers whose work is purely local. Their Initiate and
// Refund join the transaction that writes the PaymentRecord.
type TxDriver interface {
	Driver
	InitiateTx(ctx context.Context, tx *gorm.DB, req InitiateRequest) (*InitiateResult, error)
	RefundTx(ctx context.Context, tx *gorm.DB, req RefundRequest) error
}

// Factory builds a driver for a stored gateway configuration.
type Factory func(cfg domain.PaymentGatewayConfig, deps Deps) (Driver, error)

// Deps are the shared collaborators handed to factories.
type Deps struct {
	DB     *gorm.DB
	Wallet WalletLedger
	HTTP   *http.Client
}

// WalletLedger is the slice of the wallet ledger the internal driver uses.
type WalletLedger interface {
	DebitTx(ctx context.Context, tx *gorm.DB, owner domain.Ref, amount decimal.Decimal, description string, metadata map[string]any, reference string) (*domain.WalletLedgerEntry, error)
	CreditTx(ctx context.Context, tx *gorm.DB, owner domain.Ref, amount decimal.Decimal, description string, metadata map[string]any, reference string) (*domain.WalletLedgerEntry, error)
	Invalidate(ctx context.Context, owners ...domain.Ref)
}
