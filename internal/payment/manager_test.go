package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"recharge_store/internal/catalog"
	"recharge_store/internal/dbtest"
	"recharge_store/internal/domain"
	"recharge_store/internal/inventory"
	"recharge_store/internal/order"
	"recharge_store/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var payer = domain.NewRef(domain.RefUser, 11)

type env struct {
	db     *gorm.DB
	ledger *wallet.Ledger
	orders *order.Manager
	pay    *Manager
	plan   *domain.Plan
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.New(t)
	plan := &domain.Plan{Name: "Voucher 45", Price: decimal.RequireFromString("45.00"), Currency: "USD", TrackInventory: true, Active: true}
	require.NoError(t, db.Create(plan).Error)
	stock := inventory.NewEngine(db, false, nil)
	_, err := stock.AddUnits(context.Background(), plan.ID, []string{"C1", "C2", "C3"}, nil)
	require.NoError(t, err)

	ledger := wallet.NewLedger(db, nil, time.Minute, "USD", nil)
	orders := order.NewManager(db, catalog.NewRegistry(catalog.NewStore(db)), stock, "USD", nil)
	pay := NewManager(db, orders, ledger, Options{Timeout: 2 * time.Second, BreakerMaxFailures: 2, BreakerResetTimeout: time.Minute}, nil)
	return &env{db: db, ledger: ledger, orders: orders, pay: pay, plan: plan}
}

func (e *env) gateway(t *testing.T, name string, driver domain.GatewayDriver, active bool, cfg datatypes.JSONMap) {
	t.Helper()
	require.NoError(t, e.db.Create(&domain.PaymentGatewayConfig{Name: name, Driver: driver, Active: active, Config: cfg}).Error)
}

func (e *env) order(t *testing.T) *domain.Order {
	t.Helper()
	o, err := e.orders.Create(context.Background(), payer, []order.ItemRequest{{Item: domain.NewRef(domain.RefPlan, e.plan.ID), Quantity: 1}}, "", nil)
	require.NoError(t, err)
	return o
}

func (e *env) balance(t *testing.T) string {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), payer)
	require.NoError(t, err)
	return b.StringFixed(2)
}

func TestWalletGatewayPaysImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway(t, "wallet", domain.DriverInternal, true, nil)
	_, err := e.ledger.Credit(ctx, payer, decimal.RequireFromString("100.00"), "deposit", nil)
	require.NoError(t, err)
	o := e.order(t)

	gw, err := e.pay.SetGateway(ctx, "wallet")
	require.NoError(t, err)
	res, err := gw.Pay(ctx, o.ID, nil)
	require.NoError(t, err)

	assert.True(t, res.Captured)
	assert.Empty(t, res.RedirectURL)
	assert.Contains(t, res.Record.Reference(), "WLT-")
	assert.Equal(t, "45.00", res.Record.Amount.StringFixed(2))
	assert.Equal(t, "55.00", e.balance(t))

	v, err := gw.Verify(ctx, res.Record.Reference())
	require.NoError(t, err)
	assert.True(t, v.Verified)

	v, err = gw.Verify(ctx, "WLT-unknown")
	require.NoError(t, err)
	assert.False(t, v.Verified)

	stored, err := e.pay.FindRecord(ctx, "wallet", res.Record.Reference())
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, stored.Status, "the reconciler completes the record")

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, got.Status, "a debited order is no longer open")
	_, err = e.orders.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestWalletGatewayInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway(t, "wallet", domain.DriverInternal, true, nil)
	_, err := e.ledger.Credit(ctx, payer, decimal.RequireFromString("10.00"), "deposit", nil)
	require.NoError(t, err)
	o := e.order(t)

	gw, err := e.pay.SetGateway(ctx, "wallet")
	require.NoError(t, err)
	_, err = gw.Pay(ctx, o.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, "10.00", e.balance(t))

	records, err := e.pay.RecordsForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWalletCannotPayTopUp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway(t, "wallet", domain.DriverInternal, true, nil)
	o, err := e.orders.CreateTopUp(ctx, payer, decimal.RequireFromString("5.00"))
	require.NoError(t, err)

	gw, err := e.pay.SetGateway(ctx, "wallet")
	require.NoError(t, err)
	_, err = gw.Pay(ctx, o.ID, nil)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestSetGatewayUnavailable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway(t, "off", domain.DriverInternal, false, nil)
	e.gateway(t, "card-no-key", domain.DriverCard, true, nil)

	for _, name := range []string{"missing", "off", "card-no-key"} {
		_, err := e.pay.SetGateway(ctx, name)
		assert.ErrorIs(t, err, domain.ErrGatewayUnavailable, name)
	}
}

func TestActiveGatewaysByPriority(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.db.Create(&domain.PaymentGatewayConfig{Name: "low", Driver: domain.DriverInternal, Active: true, Priority: 1}).Error)
	require.NoError(t, e.db.Create(&domain.PaymentGatewayConfig{Name: "high", Driver: domain.DriverCard, Active: true, Priority: 9}).Error)
	require.NoError(t, e.db.Create(&domain.PaymentGatewayConfig{Name: "off", Driver: domain.DriverCard, Active: false, Priority: 99}).Error)

	gws, err := e.pay.ActiveGateways(context.Background())
	require.NoError(t, err)
	require.Len(t, gws, 2)
	assert.Equal(t, "high", gws[0].Name)
	assert.Equal(t, "low", gws[1].Name)
}

func TestCardGatewayRedirect(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		switch r.Method + " " + r.URL.Path {
		case "POST /v1/payment_intents":
			assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 4500, body["amount"])
			_, _ = w.Write([]byte(`{"id":"pi_123","status":"requires_action","client_secret":"cs_1","next_action":{"redirect_to_url":{"url":"https://bank.example/3ds"}}}`))
		case "GET /v1/payment_intents/pi_123":
			_, _ = w.Write([]byte(`{"id":"pi_123","status":"succeeded","amount_received":4500}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	e.gateway(t, "card", domain.DriverCard, true, datatypes.JSONMap{"api_key": "sk_test", "base_url": srv.URL})
	o := e.order(t)

	gw, err := e.pay.SetGateway(ctx, "card")
	require.NoError(t, err)
	res, err := gw.Pay(ctx, o.ID, map[string]any{"return_url": "https://shop.example/done"})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", res.Record.Reference())
	assert.Equal(t, "https://bank.example/3ds", res.RedirectURL)
	assert.Equal(t, "cs_1", res.ClientSecret)
	assert.False(t, res.Captured)

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, got.Status)

	v, err := gw.Verify(ctx, "pi_123")
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, "45.00", v.Amount.StringFixed(2))
}

func TestCardGatewayFailureOpensBreaker(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"down"}`, http.StatusBadGateway)
	}))
	defer srv.Close()
	e.gateway(t, "card", domain.DriverCard, true, datatypes.JSONMap{"api_key": "sk", "base_url": srv.URL})
	o := e.order(t)

	gw, err := e.pay.SetGateway(ctx, "card")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = gw.Pay(ctx, o.ID, nil)
		assert.ErrorIs(t, err, domain.ErrGatewayError)
		var gerr *domain.GatewayError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, "card", gerr.Gateway)
		assert.Equal(t, o.ID, gerr.OrderID)
	}

	_, err = gw.Pay(ctx, o.ID, nil)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, int32(2), hits.Load())

	records, err := e.pay.RecordsForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, domain.PaymentFailed, r.Status)
		assert.NotEmpty(t, r.FailureReason)
	}
}

func TestPayRejectsSettledOrders(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway(t, "wallet", domain.DriverInternal, true, nil)
	_, err := e.ledger.Credit(ctx, payer, decimal.RequireFromString("100.00"), "deposit", nil)
	require.NoError(t, err)

	paid := e.order(t)
	require.NoError(t, e.db.Create(&domain.PaymentRecord{OrderID: paid.ID, Gateway: "wallet", Amount: paid.Total, Currency: "USD", Status: domain.PaymentCompleted}).Error)
	cancelled := e.order(t)
	_, err = e.orders.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	gw, err := e.pay.SetGateway(ctx, "wallet")
	require.NoError(t, err)
	for _, id := range []uint{paid.ID, cancelled.ID} {
		_, err = gw.Pay(ctx, id, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	}
	assert.Equal(t, "100.00", e.balance(t))
}

func TestWalletRefund(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway(t, "wallet", domain.DriverInternal, true, nil)
	_, err := e.ledger.Credit(ctx, payer, decimal.RequireFromString("50.00"), "deposit", nil)
	require.NoError(t, err)
	o := e.order(t)

	gw, err := e.pay.SetGateway(ctx, "wallet")
	require.NoError(t, err)
	res, err := gw.Pay(ctx, o.ID, nil)
	require.NoError(t, err)
	ref := res.Record.Reference()

	_, err = gw.Refund(ctx, ref, decimal.RequireFromString("5.00"))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "pending payments cannot be refunded")

	require.NoError(t, e.db.Model(&domain.PaymentRecord{}).Where("id = ?", res.Record.ID).Update("status", domain.PaymentCompleted).Error)

	rec, err := gw.Refund(ctx, ref, decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, rec.Status)
	assert.Equal(t, "20.00", rec.RefundedAmount.StringFixed(2))
	assert.Equal(t, "25.00", e.balance(t))

	_, err = gw.Refund(ctx, ref, decimal.RequireFromString("30.00"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	rec, err = gw.Refund(ctx, ref, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, rec.Status)
	assert.Equal(t, "50.00", e.balance(t))
}

func TestCardPaymentWithoutRedirectMarksProcessing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_7","status":"requires_confirmation","client_secret":"cs_7"}`))
	}))
	defer srv.Close()
	e.gateway(t, "card", domain.DriverCard, true, datatypes.JSONMap{"api_key": "sk", "base_url": srv.URL})
	o := e.order(t)

	gw, err := e.pay.SetGateway(ctx, "card")
	require.NoError(t, err)
	res, err := gw.Pay(ctx, o.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, res.RedirectURL)
	assert.Equal(t, "cs_7", res.ClientSecret)

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, got.Status)
	_, err = e.orders.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestSetGatewayReusesDriverUntilConfigChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	srv, tokens := payPalServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"PP-1","status":"COMPLETED"}`))
	})
	e.gateway(t, "paypal", domain.DriverExternalWallet, true, datatypes.JSONMap{
		"client_id": "cid", "client_secret": "secret", "base_url": srv.URL,
	})

	for i := 0; i < 3; i++ {
		gw, err := e.pay.SetGateway(ctx, "paypal")
		require.NoError(t, err)
		v, err := gw.Verify(ctx, "PP-1")
		require.NoError(t, err)
		assert.True(t, v.Verified)
	}
	assert.Equal(t, int32(1), tokens.Load())

	var cfg domain.PaymentGatewayConfig
	require.NoError(t, e.db.Where("name = ?", "paypal").First(&cfg).Error)
	require.NoError(t, e.db.Model(&cfg).Updates(map[string]any{
		"config":     datatypes.JSONMap{"client_id": "cid", "client_secret": "secret", "base_url": srv.URL, "return_url": "https://shop.example/ok"},
		"updated_at": cfg.UpdatedAt.Add(time.Second),
	}).Error)

	gw, err := e.pay.SetGateway(ctx, "paypal")
	require.NoError(t, err)
	_, err = gw.Verify(ctx, "PP-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokens.Load(), "an edited config builds a fresh driver")
}

func TestExternalRefundsShareTheRefundableAmount(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	var (
		mu       sync.Mutex
		refunds  []string
		failNext atomic.Bool
	)
	srv, _ := payPalServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /v2/checkout/orders/PP-2":
			_, _ = w.Write([]byte(`{"id":"PP-2","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-2","status":"COMPLETED"}]}}]}`))
		case "POST /v2/payments/captures/CAP-2/refund":
			if failNext.Swap(false) {
				http.Error(w, `{"name":"INTERNAL_SERVER_ERROR"}`, http.StatusInternalServerError)
				return
			}
			mu.Lock()
			refunds = append(refunds, r.Header.Get("PayPal-Request-Id"))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"RF-1","status":"COMPLETED"}`))
		default:
			http.NotFound(w, r)
		}
	})
	e.gateway(t, "paypal", domain.DriverExternalWallet, true, datatypes.JSONMap{
		"client_id": "cid", "client_secret": "secret", "base_url": srv.URL,
	})
	o := e.order(t)
	ref := "PP-2"
	rec := &domain.PaymentRecord{OrderID: o.ID, Gateway: "paypal", ExternalReference: &ref, Amount: o.Total, Currency: "USD", Status: domain.PaymentCompleted}
	require.NoError(t, e.db.Create(rec).Error)

	gw, err := e.pay.SetGateway(ctx, "paypal")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, amount := range []string{"10.00", "20.00"} {
		wg.Add(1)
		go func(amount string) {
			defer wg.Done()
			_, err := gw.Refund(ctx, ref, decimal.RequireFromString(amount))
			assert.NoError(t, err)
		}(amount)
	}
	wg.Wait()

	stored, err := e.pay.FindRecord(ctx, "paypal", ref)
	require.NoError(t, err)
	assert.Equal(t, "30.00", stored.RefundedAmount.StringFixed(2))
	assert.Len(t, refunds, 2)
	assert.NotEqual(t, refunds[0], refunds[1])

	_, err = gw.Refund(ctx, ref, decimal.RequireFromString("20.00"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	failNext.Store(true)
	_, err = gw.Refund(ctx, ref, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrGatewayError)
	stored, err = e.pay.FindRecord(ctx, "paypal", ref)
	require.NoError(t, err)
	assert.Equal(t, "30.00", stored.RefundedAmount.StringFixed(2), "a refused refund gives the amount back")
	assert.Equal(t, domain.PaymentCompleted, stored.Status)

	stored, err = gw.Refund(ctx, ref, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, stored.Status)
	assert.Equal(t, "45.00", stored.RefundedAmount.StringFixed(2))
	assert.Len(t, refunds, 3)
}
