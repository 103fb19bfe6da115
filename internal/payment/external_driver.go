package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"recharge_store/internal/domain"

	"github.com/shopspring/decimal"
)

// externalWalletDriver integrates a PayPal-style orders API: the payer approves on the
// provider's site and the payment is captured when it is verified.
type externalWalletDriver struct {
	api          *apiClient
	clientID     string
	clientSecret string
	webhookID    string
	returnURL    string
	cancelURL    string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewExternalWalletDriver is the Factory for DriverExternalWallet. Config keys:
// client_id, client_secret, base_url, webhook_id, return_url, cancel_url.
func NewExternalWalletDriver(cfg domain.PaymentGatewayConfig, deps Deps) (Driver, error) {
	id, secret := setting(cfg.Config, "client_id", ""), setting(cfg.Config, "client_secret", "")
	if id == "" || secret == "" {
		return nil, fmt.Errorf("gateway %s: client credentials not configured", cfg.Name)
	}
	return &externalWalletDriver{
		api:          newAPIClient(deps.HTTP, setting(cfg.Config, "base_url", "https://api-m.paypal.com")),
		clientID:     id,
		clientSecret: secret,
		webhookID:    setting(cfg.Config, "webhook_id", ""),
		returnURL:    setting(cfg.Config, "return_url", ""),
		cancelURL:    setting(cfg.Config, "cancel_url", ""),
	}, nil
}

type checkoutOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
	Payer struct {
		PayerID string `json:"payer_id"`
		Email   string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Amount struct {
			Value string `json:"value"`
		} `json:"amount"`
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount struct {
					Value string `json:"value"`
				} `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o *checkoutOrder) link(rels ...string) string {
	for _, rel := range rels {
		for _, l := range o.Links {
			if l.Rel == rel {
				return l.Href
			}
		}
	}
	return ""
}

func (o *checkoutOrder) captureID() string {
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			if c.ID != "" {
				return c.ID
			}
		}
	}
	return ""
}

func (o *checkoutOrder) capturedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			if c.Status != "COMPLETED" {
				continue
			}
			if v, err := decimal.NewFromString(c.Amount.Value); err == nil {
				total = total.Add(v)
			}
		}
	}
	return total
}

// accessToken returns a cached client-credentials token, refreshing it a minute early.
func (d *externalWalletDriver) accessToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" && time.Now().Before(d.expires) {
		return d.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(d.clientID + ":" + d.clientSecret))
	form := strings.NewReader(url.Values{"grant_type": {"client_credentials"}}.Encode())
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := d.api.do(ctx, http.MethodPost, "/v1/oauth2/token", map[string]string{"Authorization": "Basic " + basic}, form, &tok); err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("oauth token: empty access token")
	}
	d.token = tok.AccessToken
	d.expires = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return d.token, nil
}

func (d *externalWalletDriver) call(ctx context.Context, method, path, requestID string, body, out any) error {
	token, err := d.accessToken(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	if requestID != "" {
		headers["PayPal-Request-Id"] = requestID
	}
	return d.api.do(ctx, method, path, headers, body, out)
}

func (d *externalWalletDriver) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	returnURL, cancelURL := option(req.Options, "return_url"), option(req.Options, "cancel_url")
	if returnURL == "" {
		returnURL = d.returnURL
	}
	if cancelURL == "" {
		cancelURL = d.cancelURL
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": fmt.Sprintf("order-%d", req.Order.ID),
			"custom_id":    fmt.Sprintf("payment-%d", req.Record.ID),
			"description":  req.Order.Description,
			"amount": map[string]any{
				"currency_code": req.Record.Currency,
				"value":         req.Record.Amount.StringFixed(2),
			},
		}},
		"application_context": map[string]any{
			"return_url": returnURL,
			"cancel_url": cancelURL,
		},
	}

	var order checkoutOrder
	if err := d.call(ctx, http.MethodPost, "/v2/checkout/orders", fmt.Sprintf("payment-%d", req.Record.ID), body, &order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, errors.New("checkout order without id")
	}
	return &InitiateResult{Reference: order.ID, RedirectURL: order.link("approve", "payer-action")}, nil
}

// Verify reads the checkout order and captures it once the payer has approved. The
// capture carries a request id derived from the reference, so repeating it is safe.
func (d *externalWalletDriver) Verify(ctx context.Context, reference string) (*Verification, error) {
	var order checkoutOrder
	if err := d.call(ctx, http.MethodGet, "/v2/checkout/orders/"+reference, "", nil, &order); err != nil {
		return nil, err
	}
	if order.Status == "APPROVED" {
		if err := d.call(ctx, http.MethodPost, "/v2/checkout/orders/"+reference+"/capture", "capture-"+reference, map[string]any{}, &order); err != nil {
			return nil, err
		}
	}

	v := &Verification{
		Amount:    order.capturedAmount(),
		PayerInfo: map[string]any{"payer_id": order.Payer.PayerID, "email": order.Payer.Email},
	}
	switch order.Status {
	case "COMPLETED":
		v.Verified = true
		v.Status = domain.PaymentCompleted
	case "VOIDED":
		v.Status = domain.PaymentFailed
		v.Reason = "checkout order voided"
	default:
		v.Status = domain.PaymentPending
		v.Reason = "checkout order " + strings.ToLower(order.Status)
	}
	return v, nil
}

func (d *externalWalletDriver) Refund(ctx context.Context, req RefundRequest) error {
	var order checkoutOrder
	if err := d.call(ctx, http.MethodGet, "/v2/checkout/orders/"+req.Record.Reference(), "", nil, &order); err != nil {
		return err
	}
	capture := order.captureID()
	if capture == "" {
		return fmt.Errorf("%w: checkout order %s has no capture", domain.ErrValidationFailed, req.Record.Reference())
	}
	body := map[string]any{"amount": map[string]any{
		"value":         req.Amount.StringFixed(2),
		"currency_code": req.Record.Currency,
	}}
	requestID := fmt.Sprintf("refund-%d-%s", req.Record.ID, req.Record.RefundedAmount.Add(req.Amount).StringFixed(2))
	return d.call(ctx, http.MethodPost, "/v2/payments/captures/"+capture+"/refund", requestID, body, nil)
}

// ProcessWebhook asks the provider to vouch for the delivery when a webhook id is
// configured, then maps approval and capture events to the checkout order id.
func (d *externalWalletDriver) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookResult, error) {
	if d.webhookID != "" {
		if err := d.verifySignature(ctx, payload, headers); err != nil {
			return nil, err
		}
	}

	var event struct {
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: webhook payload: %v", domain.ErrValidationFailed, err)
	}

	res := &WebhookResult{Event: event.EventType}
	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED", "CHECKOUT.ORDER.COMPLETED":
		res.Reference = event.Resource.ID
	case "PAYMENT.CAPTURE.COMPLETED":
		res.Reference = event.Resource.SupplementaryData.RelatedIDs.OrderID
	default:
		return res, nil
	}
	res.ShouldProcess = res.Reference != ""
	return res, nil
}

func (d *externalWalletDriver) verifySignature(ctx context.Context, payload []byte, headers http.Header) error {
	body := map[string]any{
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"webhook_id":        d.webhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := d.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", body, &out); err != nil {
		return fmt.Errorf("verify webhook signature: %w", err)
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: webhook signature %s", domain.ErrUnauthorized, strings.ToLower(out.VerificationStatus))
	}
	return nil
}
