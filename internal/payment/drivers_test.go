package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"recharge_store/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCardWebhook(t *testing.T) {
	ctx := context.Background()
	d, err := NewCardDriver(domain.PaymentGatewayConfig{Name: "card", Config: datatypes.JSONMap{"api_key": "sk", "webhook_secret": "whsec"}}, Deps{})
	require.NoError(t, err)

	succeeded := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_9"}}}`)
	h := http.Header{}
	h.Set("X-Signature", sign("whsec", succeeded))
	res, err := d.ProcessWebhook(ctx, succeeded, h)
	require.NoError(t, err)
	assert.True(t, res.ShouldProcess)
	assert.Equal(t, "pi_9", res.Reference)

	created := []byte(`{"type":"payment_intent.created","data":{"object":{"id":"pi_9"}}}`)
	h.Set("X-Signature", sign("whsec", created))
	res, err = d.ProcessWebhook(ctx, created, h)
	require.NoError(t, err)
	assert.False(t, res.ShouldProcess)

	h.Set("X-Signature", sign("wrong", succeeded))
	_, err = d.ProcessWebhook(ctx, succeeded, h)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCardVerifyStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_fail":
			_, _ = w.Write([]byte(`{"id":"pi_fail","status":"requires_payment_method","last_payment_error":{"message":"card declined"}}`))
		case "/v1/payment_intents/pi_wait":
			_, _ = w.Write([]byte(`{"id":"pi_wait","status":"processing"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	d, err := NewCardDriver(domain.PaymentGatewayConfig{Config: datatypes.JSONMap{"api_key": "sk", "base_url": srv.URL}}, Deps{HTTP: srv.Client()})
	require.NoError(t, err)

	v, err := d.Verify(context.Background(), "pi_fail")
	require.NoError(t, err)
	assert.False(t, v.Verified)
	assert.Equal(t, domain.PaymentFailed, v.Status)
	assert.Equal(t, "card declined", v.Reason)

	v, err = d.Verify(context.Background(), "pi_wait")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, v.Status)

	_, err = d.Verify(context.Background(), "pi_missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

// payPalServer fakes the OAuth token endpoint and hands every authenticated call to
// handler. The counter tracks token fetches.
func payPalServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokens.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		handler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokens
}

func newPayPal(t *testing.T, handler http.HandlerFunc) (Driver, *atomic.Int32) {
	t.Helper()
	srv, tokens := payPalServer(t, handler)
	d, err := NewExternalWalletDriver(domain.PaymentGatewayConfig{Name: "paypal", Config: datatypes.JSONMap{
		"client_id": "cid", "client_secret": "secret", "base_url": srv.URL, "return_url": "https://shop.example/ok",
	}}, Deps{HTTP: srv.Client()})
	require.NoError(t, err)
	return d, tokens
}

func TestExternalWalletInitiateAndCapture(t *testing.T) {
	ctx := context.Background()
	var captures atomic.Int32
	d, tokens := newPayPal(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /v2/checkout/orders":
			assert.Equal(t, "payment-5", r.Header.Get("PayPal-Request-Id"))
			_, _ = w.Write([]byte(`{"id":"PP-1","status":"CREATED","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal.example/approve"}]}`))
		case "GET /v2/checkout/orders/PP-1":
			_, _ = w.Write([]byte(`{"id":"PP-1","status":"APPROVED"}`))
		case "POST /v2/checkout/orders/PP-1/capture":
			captures.Add(1)
			assert.Equal(t, "capture-PP-1", r.Header.Get("PayPal-Request-Id"))
			_, _ = w.Write([]byte(`{"id":"PP-1","status":"COMPLETED","payer":{"payer_id":"P1","email_address":"a@b.c"},
				"purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"value":"45.00"}}]}}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	res, err := d.Initiate(ctx, InitiateRequest{
		Order:  &domain.Order{ID: 3},
		Record: &domain.PaymentRecord{ID: 5, Amount: decimal.RequireFromString("45.00"), Currency: "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, "PP-1", res.Reference)
	assert.Equal(t, "https://paypal.example/approve", res.RedirectURL)

	v, err := d.Verify(ctx, "PP-1")
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, "45.00", v.Amount.StringFixed(2))
	assert.Equal(t, "a@b.c", v.PayerInfo["email"])
	assert.Equal(t, int32(1), captures.Load())
	assert.Equal(t, int32(1), tokens.Load(), "token is cached between calls")
}

func TestExternalWalletRefundUsesCapture(t *testing.T) {
	var refunded atomic.Bool
	d, _ := newPayPal(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /v2/checkout/orders/PP-2":
			_, _ = w.Write([]byte(`{"id":"PP-2","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-2","status":"COMPLETED"}]}}]}`))
		case "POST /v2/payments/captures/CAP-2/refund":
			refunded.Store(true)
			_, _ = w.Write([]byte(`{"id":"RF-1","status":"COMPLETED"}`))
		default:
			http.NotFound(w, r)
		}
	})

	ref := "PP-2"
	err := d.Refund(context.Background(), RefundRequest{
		Record: &domain.PaymentRecord{ID: 8, ExternalReference: &ref, Amount: decimal.NewFromInt(10), Currency: "USD"},
		Order:  &domain.Order{ID: 4},
		Amount: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, refunded.Load())
}

func TestExternalWalletWebhook(t *testing.T) {
	d, _ := newPayPal(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	ctx := context.Background()

	cases := []struct {
		payload string
		ref     string
		process bool
	}{
		{`{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"PP-3"}}`, "PP-3", true},
		{`{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-3","supplementary_data":{"related_ids":{"order_id":"PP-3"}}}}`, "PP-3", true},
		{`{"event_type":"PAYMENT.CAPTURE.DENIED","resource":{"id":"CAP-3"}}`, "", false},
	}
	for _, tc := range cases {
		res, err := d.ProcessWebhook(ctx, []byte(tc.payload), http.Header{})
		require.NoError(t, err)
		assert.Equal(t, tc.ref, res.Reference)
		assert.Equal(t, tc.process, res.ShouldProcess)
	}

	_, err := d.ProcessWebhook(ctx, []byte("not json"), http.Header{})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(2, 50*time.Millisecond)
	boom := assert.AnError
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.False(t, called)

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())

	// a failed trial call reopens straight away
	assert.Error(t, b.Execute(ctx, fail))
	assert.Error(t, b.Execute(ctx, fail))
	time.Sleep(60 * time.Millisecond)
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, b.State())
}
