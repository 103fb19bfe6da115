package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"recharge_store/internal/domain"

	"github.com/shopspring/decimal"
)

// cardDriver talks to a payment-intent style card processor.
type cardDriver struct {
	api           *apiClient
	apiKey        string
	webhookSecret string
}

// NewCardDriver is the Factory for DriverCard. Config keys: api_key, base_url,
// webhook_secret.
func NewCardDriver(cfg domain.PaymentGatewayConfig, deps Deps) (Driver, error) {
	key := setting(cfg.Config, "api_key", "")
	if key == "" {
		return nil, fmt.Errorf("gateway %s: api_key not configured", cfg.Name)
	}
	return &cardDriver{
		api:           newAPIClient(deps.HTTP, setting(cfg.Config, "base_url", "https://api.stripe.com")),
		apiKey:        key,
		webhookSecret: setting(cfg.Config, "webhook_secret", ""),
	}, nil
}

type paymentIntent struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	ClientSecret   string `json:"client_secret"`
	LastError      *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	NextAction *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
	Charges struct {
		Data []struct {
			BillingDetails map[string]any `json:"billing_details"`
		} `json:"data"`
	} `json:"charges"`
}

func (d *cardDriver) headers(idempotencyKey string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + d.apiKey}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (d *cardDriver) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	body := map[string]any{
		"amount":   minorUnits(req.Record.Amount),
		"currency": strings.ToLower(req.Record.Currency),
		"metadata": map[string]any{
			"order_id":   req.Order.ID,
			"payment_id": req.Record.ID,
		},
	}
	if pm := option(req.Options, "payment_method"); pm != "" {
		body["payment_method"] = pm
		body["confirm"] = true
	}
	if ret := option(req.Options, "return_url"); ret != "" {
		body["return_url"] = ret
	}

	var pi paymentIntent
	if err := d.api.do(ctx, http.MethodPost, "/v1/payment_intents", d.headers(fmt.Sprintf("payment-%d", req.Record.ID)), body, &pi); err != nil {
		return nil, err
	}
	if pi.ID == "" {
		return nil, errors.New("payment intent without id")
	}

	res := &InitiateResult{Reference: pi.ID, ClientSecret: pi.ClientSecret}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		res.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	return res, nil
}

func (d *cardDriver) Verify(ctx context.Context, reference string) (*Verification, error) {
	var pi paymentIntent
	if err := d.api.do(ctx, http.MethodGet, "/v1/payment_intents/"+reference, d.headers(""), nil, &pi); err != nil {
		return nil, err
	}

	v := &Verification{Amount: decimal.New(pi.AmountReceived, -2)}
	if len(pi.Charges.Data) > 0 {
		v.PayerInfo = pi.Charges.Data[0].BillingDetails
	}
	switch pi.Status {
	case "succeeded":
		v.Verified = true
		v.Status = domain.PaymentCompleted
	case "canceled", "requires_payment_method":
		v.Status = domain.PaymentFailed
		v.Reason = "payment intent " + pi.Status
		if pi.LastError != nil && pi.LastError.Message != "" {
			v.Reason = pi.LastError.Message
		}
	default:
		v.Status = domain.PaymentPending
		v.Reason = "payment intent " + pi.Status
	}
	return v, nil
}

func (d *cardDriver) Refund(ctx context.Context, req RefundRequest) error {
	body := map[string]any{
		"payment_intent": req.Record.Reference(),
		"amount":         minorUnits(req.Amount),
	}
	key := fmt.Sprintf("refund-%d-%s", req.Record.ID, req.Record.RefundedAmount.Add(req.Amount).StringFixed(2))
	return d.api.do(ctx, http.MethodPost, "/v1/refunds", d.headers(key), body, nil)
}

// ProcessWebhook checks the X-Signature HMAC when a secret is configured and reports
// payment_intent.succeeded as the only completion event.
func (d *cardDriver) ProcessWebhook(_ context.Context, payload []byte, headers http.Header) (*WebhookResult, error) {
	if d.webhookSecret != "" && !validHMAC(d.webhookSecret, payload, headers.Get("X-Signature")) {
		return nil, fmt.Errorf("%w: bad webhook signature", domain.ErrUnauthorized)
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: webhook payload: %v", domain.ErrValidationFailed, err)
	}
	return &WebhookResult{
		Reference:     event.Data.Object.ID,
		Event:         event.Type,
		ShouldProcess: event.Type == "payment_intent.succeeded" && event.Data.Object.ID != "",
	}, nil
}

func validHMAC(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(signature)
	return err == nil && hmac.Equal(want, got)
}
