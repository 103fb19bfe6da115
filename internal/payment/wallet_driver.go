package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"recharge_store/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// walletDriver pays from the purchaser's own wallet balance. Everything happens in the
// local database, so the payment is captured as soon as Initiate commits.
type walletDriver struct {
	name   string
	db     *gorm.DB
	ledger WalletLedger
}

// NewWalletDriver is the Factory for DriverInternal.
func NewWalletDriver(cfg domain.PaymentGatewayConfig, deps Deps) (Driver, error) {
	if deps.Wallet == nil {
		return nil, errors.New("wallet driver needs a ledger")
	}
	return &walletDriver{name: cfg.Name, db: deps.DB, ledger: deps.Wallet}, nil
}

func (d *walletDriver) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	var res *InitiateResult
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = d.InitiateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.ledger.Invalidate(ctx, req.Order.Purchaser())
	return res, nil
}

// InitiateTx debits the purchaser for the order total. The ledger reference ties the
// debit to the payment record so it can never be taken twice.
func (d *walletDriver) InitiateTx(ctx context.Context, tx *gorm.DB, req InitiateRequest) (*InitiateResult, error) {
	payer := req.Order.Purchaser()
	_, err := d.ledger.DebitTx(ctx, tx, payer, req.Record.Amount,
		fmt.Sprintf("Payment for order #%d", req.Order.ID),
		map[string]any{"order_id": req.Order.ID, "payment_id": req.Record.ID},
		fmt.Sprintf("payment:%d:debit", req.Record.ID))
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		Reference: "WLT-" + uuid.NewString(),
		Captured:  true,
		PayerInfo: map[string]any{"owner": payer.String()},
	}, nil
}

// Verify confirms any reference this gateway issued.
func (d *walletDriver) Verify(ctx context.Context, reference string) (*Verification, error) {
	var rec domain.PaymentRecord
	err := d.db.WithContext(ctx).Where("gateway = ? AND external_reference = ?", d.name, reference).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Verification{Status: domain.PaymentFailed, Reason: "unknown wallet payment"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Verification{Verified: true, Status: domain.PaymentCompleted, Amount: rec.Amount}, nil
}

func (d *walletDriver) Refund(ctx context.Context, req RefundRequest) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return d.RefundTx(ctx, tx, req)
	})
	if err != nil {
		return err
	}
	d.ledger.Invalidate(ctx, req.Order.Purchaser())
	return nil
}

// RefundTx credits the payer back. The reference includes the running refunded total,
// so a replayed request for the same refund hits the unique index.
func (d *walletDriver) RefundTx(ctx context.Context, tx *gorm.DB, req RefundRequest) error {
	after := req.Record.RefundedAmount.Add(req.Amount)
	_, err := d.ledger.CreditTx(ctx, tx, req.Order.Purchaser(), req.Amount,
		fmt.Sprintf("Refund for order #%d", req.Order.ID),
		map[string]any{"order_id": req.Order.ID, "payment_id": req.Record.ID},
		fmt.Sprintf("payment:%d:refund:%s", req.Record.ID, after.StringFixed(2)))
	return err
}

// ProcessWebhook: the wallet gateway never sends webhooks.
func (d *walletDriver) ProcessWebhook(context.Context, []byte, http.Header) (*WebhookResult, error) {
	return &WebhookResult{ShouldProcess: false}, nil
}
