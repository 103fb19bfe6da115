package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"recharge_store/internal/domain"
	"recharge_store/internal/metrics"
	"recharge_store/internal/order"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("recharge_store/payment")

// Options tune the outbound behaviour of every gateway.
type Options struct {
	Timeout             time.Duration // bound on each driver call
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	HTTPClient          *http.Client
}

// Manager resolves configured gateways to drivers and keeps PaymentRecords.
type Manager struct {
	db        *gorm.DB
	orders    *order.Manager
	wallet    WalletLedger
	opts      Options
	log       *logrus.Entry
	factories map[domain.GatewayDriver]Factory

	mu       sync.Mutex
	breakers map[string]*Breaker
	drivers  map[string]cachedDriver
}

// cachedDriver is a built driver and the config revision it was built from. Drivers
// hold state worth keeping between requests, such as OAuth tokens.
type cachedDriver struct {
	updatedAt time.Time
	kind      domain.GatewayDriver
	driver    Driver
}

// NewManager builds a Manager with the three built-in drivers registered.
func NewManager(db *gorm.DB, orders *order.Manager, wallet WalletLedger, opts Options, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	m := &Manager{
		db:        db,
		orders:    orders,
		wallet:    wallet,
		opts:      opts,
		log:       logger.WithField("component", "payment"),
		factories: map[domain.GatewayDriver]Factory{},
		breakers:  map[string]*Breaker{},
		drivers:   map[string]cachedDriver{},
	}
	m.Register(domain.DriverInternal, NewWalletDriver)
	m.Register(domain.DriverCard, NewCardDriver)
	m.Register(domain.DriverExternalWallet, NewExternalWalletDriver)
	return m
}

// Register installs the factory for a driver kind.
func (m *Manager) Register(driver domain.GatewayDriver, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[driver] = f
	clear(m.drivers)
}

// ActiveGateways lists the active gateway configs, highest priority first.
func (m *Manager) ActiveGateways(ctx context.Context) ([]domain.PaymentGatewayConfig, error) {
	gateways := []domain.PaymentGatewayConfig{}
	if err := m.db.WithContext(ctx).Where("active = ?", true).Order("priority DESC, name").Find(&gateways).Error; err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	return gateways, nil
}

// SetGateway selects a configured, active gateway by name.
func (m *Manager) SetGateway(ctx context.Context, name string) (*Gateway, error) {
	var cfg domain.PaymentGatewayConfig
	err := m.db.WithContext(ctx).Where("name = ?", name).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q is not configured", domain.ErrGatewayUnavailable, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load gateway %q: %w", name, err)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: %q is disabled", domain.ErrGatewayUnavailable, name)
	}

	driver, err := m.driver(cfg)
	if err != nil {
		return nil, err
	}
	return &Gateway{m: m, cfg: cfg, driver: driver, breaker: m.breaker(cfg.Name)}, nil
}

// driver returns the cached driver for cfg, building a new one when the gateway's
// config row has changed since the last build.
func (m *Manager) driver(cfg domain.PaymentGatewayConfig) (Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.drivers[cfg.Name]; ok && c.kind == cfg.Driver && c.updatedAt.Equal(cfg.UpdatedAt) {
		return c.driver, nil
	}
	factory, ok := m.factories[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: no driver %q for %q", domain.ErrGatewayUnavailable, cfg.Driver, cfg.Name)
	}
	driver, err := factory(cfg, Deps{DB: m.db, Wallet: m.wallet, HTTP: m.opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	m.drivers[cfg.Name] = cachedDriver{updatedAt: cfg.UpdatedAt, kind: cfg.Driver, driver: driver}
	return driver, nil
}

func (m *Manager) breaker(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = NewBreaker(m.opts.BreakerMaxFailures, m.opts.BreakerResetTimeout)
		m.breakers[name] = b
	}
	return b
}

// FindRecord looks a payment up by its gateway reference.
func (m *Manager) FindRecord(ctx context.Context, gateway, reference string) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := m.db.WithContext(ctx).Where("gateway = ? AND external_reference = ?", gateway, reference).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("payment %s/%s: %w", gateway, reference, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment %s/%s: %w", gateway, reference, err)
	}
	return &rec, nil
}

// RecordsForOrder returns every payment attempt for the order, oldest first.
func (m *Manager) RecordsForOrder(ctx context.Context, orderID uint) ([]domain.PaymentRecord, error) {
	records := []domain.PaymentRecord{}
	if err := m.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("payments of order %d: %w", orderID, err)
	}
	return records, nil
}

// Gateway is a selected, ready-to-use gateway.
type Gateway struct {
	m       *Manager
	cfg     domain.PaymentGatewayConfig
	driver  Driver
	breaker *Breaker
}

// Name returns the configured gateway name.
func (g *Gateway) Name() string { return g.cfg.Name }

// Driver returns the underlying driver.
func (g *Gateway) Driver() Driver { return g.driver }

// PayResult is what the payer needs to finish paying.
type PayResult struct {
	Record       *domain.PaymentRecord `json:"payment"`
	RedirectURL  string                `json:"redirect_url,omitempty"`
	ClientSecret string                `json:"client_secret,omitempty"`
	Captured     bool                  `json:"captured"`
}

// Pay starts collecting the order total. The pending PaymentRecord is stored before
// any outbound call so a crash or timeout leaves a trace to reconcile against.
func (g *Gateway) Pay(ctx context.Context, orderID uint, options map[string]any) (*PayResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Pay")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", g.cfg.Name), attribute.Int("order.id", int(orderID)))

	if txd, ok := g.driver.(TxDriver); ok {
		return g.payLocal(ctx, txd, orderID, options)
	}

	var (
		o   *domain.Order
		rec *domain.PaymentRecord
	)
	err := g.m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = g.lockPayable(ctx, tx, orderID); err != nil {
			return err
		}
		rec, err = g.newRecord(tx, o)
		return err
	})
	if err != nil {
		return nil, err
	}

	var res *InitiateResult
	err = g.call(ctx, "initiate", func(ctx context.Context) error {
		var err error
		res, err = g.driver.Initiate(ctx, InitiateRequest{Order: o, Record: rec, Options: options})
		return err
	})
	if err != nil {
		// A timeout may still have reached the gateway, so the record stays pending.
		if !errors.Is(err, context.DeadlineExceeded) {
			g.m.db.WithContext(ctx).Model(rec).Updates(map[string]any{"status": domain.PaymentFailed, "failure_reason": truncate(err.Error(), 250)})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiate failed")
		return nil, g.fail("initiate", rec, err)
	}

	ref := res.Reference
	rec.ExternalReference = &ref
	updates := map[string]any{"external_reference": ref}
	if len(res.PayerInfo) > 0 {
		updates["payer_info"] = datatypes.JSONMap(res.PayerInfo)
	}
	// The record is locked before the order, in the same order settlement uses.
	err = g.m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(rec).Updates(updates).Error; err != nil {
			return err
		}
		locked, err := g.m.orders.LockTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		o = locked
		if o.Status == domain.OrderPending {
			return g.m.orders.MarkProcessingTx(ctx, tx, o)
		}
		return nil
	})
	if err != nil {
		return nil, g.fail("store reference", rec, err)
	}
	if o.Status != domain.OrderProcessing {
		g.m.log.WithFields(logrus.Fields{"order_id": o.ID, "status": o.Status, "reference": ref}).Error("payment initiated for an order that is no longer open")
	}

	g.m.log.WithFields(logrus.Fields{"order_id": o.ID, "gateway": g.cfg.Name, "reference": ref}).Info("payment initiated")
	return &PayResult{Record: rec, RedirectURL: res.RedirectURL, ClientSecret: res.ClientSecret, Captured: res.Captured}, nil
}

// payLocal runs a local driver inside the transaction that stores the record, so the
// debit and the record commit or roll back together.
func (g *Gateway) payLocal(ctx context.Context, d TxDriver, orderID uint, options map[string]any) (*PayResult, error) {
	var (
		o   *domain.Order
		rec *domain.PaymentRecord
		res *InitiateResult
	)
	err := g.m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = g.lockPayable(ctx, tx, orderID); err != nil {
			return err
		}
		if o.IsTopUp() {
			return fmt.Errorf("%w: a wallet top-up cannot be paid from the wallet", domain.ErrValidationFailed)
		}
		if rec, err = g.newRecord(tx, o); err != nil {
			return err
		}
		if res, err = d.InitiateTx(ctx, tx, InitiateRequest{Order: o, Record: rec, Options: options}); err != nil {
			return err
		}
		ref := res.Reference
		rec.ExternalReference = &ref
		if err := tx.Model(rec).Updates(map[string]any{"external_reference": ref, "payer_info": datatypes.JSONMap(res.PayerInfo)}).Error; err != nil {
			return err
		}
		return g.m.orders.MarkProcessingTx(ctx, tx, o)
	})
	g.record("initiate", err)
	if err != nil {
		g.m.log.WithFields(logrus.Fields{"order_id": orderID, "gateway": g.cfg.Name, "error": err.Error()}).Warn("payment rejected")
		return nil, err
	}
	g.m.wallet.Invalidate(ctx, o.Purchaser())

	g.m.log.WithFields(logrus.Fields{"order_id": o.ID, "gateway": g.cfg.Name, "reference": rec.Reference()}).Info("payment captured")
	return &PayResult{Record: rec, Captured: res.Captured}, nil
}

// lockPayable locks the order and checks that it can still take a payment.
func (g *Gateway) lockPayable(ctx context.Context, tx *gorm.DB, orderID uint) (*domain.Order, error) {
	o, err := g.m.orders.LockTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.OrderPending && o.Status != domain.OrderProcessing {
		return nil, fmt.Errorf("%w: order %d is %s", domain.ErrInvalidStateTransition, o.ID, o.Status)
	}
	if !o.Total.IsPositive() {
		return nil, fmt.Errorf("%w: order %d has nothing to pay", domain.ErrInvalidAmount, o.ID)
	}
	var paid int64
	if err := tx.Model(&domain.PaymentRecord{}).Where("order_id = ? AND status = ?", o.ID, domain.PaymentCompleted).Count(&paid).Error; err != nil {
		return nil, err
	}
	if paid > 0 {
		return nil, fmt.Errorf("%w: order %d is already paid", domain.ErrInvalidStateTransition, o.ID)
	}
	return o, nil
}

func (g *Gateway) newRecord(tx *gorm.DB, o *domain.Order) (*domain.PaymentRecord, error) {
	rec := &domain.PaymentRecord{
		OrderID:  o.ID,
		Gateway:  g.cfg.Name,
		Amount:   o.Total,
		Currency: o.Currency,
		Status:   domain.PaymentPending,
	}
	if err := tx.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create payment record: %w", err)
	}
	return rec, nil
}

// Verify asks the gateway about a reference. It only reads; it never completes orders.
func (g *Gateway) Verify(ctx context.Context, reference string) (*Verification, error) {
	ctx, span := tracer.Start(ctx, "payment.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", g.cfg.Name), attribute.String("reference", reference))

	var v *Verification
	err := g.call(ctx, "verify", func(ctx context.Context) error {
		var err error
		v, err = g.driver.Verify(ctx, reference)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return nil, g.fail("verify", &domain.PaymentRecord{Gateway: g.cfg.Name, ExternalReference: &reference}, err)
	}
	return v, nil
}

// Refund returns amount of a completed payment to the payer. A zero amount refunds
// whatever is left.
func (g *Gateway) Refund(ctx context.Context, reference string, amount decimal.Decimal) (*domain.PaymentRecord, error) {
	rec, err := g.m.FindRecord(ctx, g.cfg.Name, reference)
	if err != nil {
		return nil, err
	}
	o, err := g.m.orders.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, err
	}

	var req RefundRequest
	if txd, ok := g.driver.(TxDriver); ok {
		err = g.m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			if req, err = g.reserveRefund(tx, rec.ID, amount); err != nil {
				return err
			}
			req.Order = o
			return txd.RefundTx(ctx, tx, req)
		})
		g.record("refund", err)
		if err != nil {
			return nil, err
		}
		g.m.wallet.Invalidate(ctx, o.Purchaser())
	} else {
		// The amount is claimed before the outbound call so concurrent refunds
		// cannot both spend the same remainder.
		err = g.m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			req, err = g.reserveRefund(tx, rec.ID, amount)
			return err
		})
		if err != nil {
			return nil, err
		}
		req.Order = o
		err = g.call(ctx, "refund", func(ctx context.Context) error {
			return g.driver.Refund(ctx, req)
		})
		if err != nil {
			// Retrying the same amount reuses the same request id, so a refund the
			// gateway did take is not repeated.
			if rerr := g.releaseRefund(context.WithoutCancel(ctx), rec.ID, req.Amount); rerr != nil {
				g.m.log.WithFields(logrus.Fields{"payment_id": rec.ID, "amount": req.Amount.StringFixed(2), "error": rerr.Error()}).Error("refund reservation not released")
			}
			return nil, g.fail("refund", req.Record, err)
		}
	}

	g.m.log.WithFields(logrus.Fields{"order_id": rec.OrderID, "gateway": g.cfg.Name, "reference": reference, "amount": req.Amount.StringFixed(2)}).Info("payment refunded")
	return g.m.FindRecord(ctx, g.cfg.Name, reference)
}

// reserveRefund locks the record, checks amount against what is still refundable
// and books it. The returned request carries the record as it was before booking.
func (g *Gateway) reserveRefund(tx *gorm.DB, recordID uint, amount decimal.Decimal) (RefundRequest, error) {
	var rec domain.PaymentRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, recordID).Error; err != nil {
		return RefundRequest{}, fmt.Errorf("lock payment %d: %w", recordID, err)
	}
	if rec.Status != domain.PaymentCompleted {
		return RefundRequest{}, domain.TransitionError(fmt.Sprintf("payment %d", rec.ID), rec.Status, domain.PaymentRefunded)
	}
	left := rec.Amount.Sub(rec.RefundedAmount)
	if amount.IsZero() {
		amount = left
	}
	if !amount.IsPositive() || amount.GreaterThan(left) {
		return RefundRequest{}, fmt.Errorf("%w: refund %s exceeds refundable %s", domain.ErrInvalidAmount, amount.StringFixed(2), left.StringFixed(2))
	}
	refunded := rec.RefundedAmount.Add(amount)
	updates := map[string]any{"refunded_amount": refunded}
	if refunded.Equal(rec.Amount) {
		updates["status"] = domain.PaymentRefunded
	}
	if err := tx.Model(&domain.PaymentRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		return RefundRequest{}, fmt.Errorf("book refund on payment %d: %w", rec.ID, err)
	}
	return RefundRequest{Record: &rec, Amount: amount}, nil
}

// releaseRefund gives back a booked amount after the gateway refused the refund.
func (g *Gateway) releaseRefund(ctx context.Context, recordID uint, amount decimal.Decimal) error {
	return g.m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.PaymentRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, recordID).Error; err != nil {
			return err
		}
		return tx.Model(&domain.PaymentRecord{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"refunded_amount": rec.RefundedAmount.Sub(amount),
			"status":          domain.PaymentCompleted,
		}).Error
	})
}

// ProcessWebhook normalizes a webhook delivery.
func (g *Gateway) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookResult, error) {
	// Webhooks skip the breaker: junk deliveries must not trip it for real payments.
	ctx, cancel := context.WithTimeout(ctx, g.m.opts.Timeout)
	defer cancel()
	res, err := g.driver.ProcessWebhook(ctx, payload, headers)
	g.record("webhook", err)
	return res, err
}

// call runs one outbound driver operation under the gateway's breaker and timeout.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.m.opts.Timeout)
	defer cancel()
	err := g.breaker.Execute(ctx, fn)
	g.record(op, err)
	return err
}

func (g *Gateway) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	default:
		result = "error"
	}
	metrics.GatewayCalls.WithLabelValues(g.cfg.Name, op, result).Inc()
}

// fail wraps a driver failure so callers see which payment needs attention.
func (g *Gateway) fail(op string, rec *domain.PaymentRecord, err error) error {
	var gerr *domain.GatewayError
	if errors.As(err, &gerr) {
		return err
	}
	gerr = &domain.GatewayError{Gateway: g.cfg.Name, Reference: rec.Reference(), OrderID: rec.OrderID, Op: op, Err: err}
	g.m.log.WithFields(logrus.Fields{
		"gateway":   gerr.Gateway,
		"reference": gerr.Reference,
		"order_id":  gerr.OrderID,
		"operation": op,
		"error":     err.Error(),
	}).Error("payment gateway call failed")
	return gerr
}
