// Package razorpay implements the gateway adapter for Razorpay's
// orders, refunds and webhook APIs.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
)

const defaultBaseURL = "https://api.razorpay.com/v1"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "razorpay"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	secret := strings.TrimSpace(cfg.Secret)
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if keyID == "" || secret == "" || webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}

	return &Adapter{
		baseURL:       baseURL,
		keyID:         keyID,
		secret:        secret,
		webhookSecret: webhookSecret,
		client:        client,
	}, nil
}

type Adapter struct {
	baseURL       string
	keyID         string
	secret        string
	webhookSecret string
	client        *http.Client
}

func (a *Adapter) Provider() string { return "razorpay" }

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req paymentdomain.OrderRequest) (*paymentdomain.OrderResult, error) {
	if req.Amount.MinorUnits() <= 0 || strings.TrimSpace(req.Currency) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	posted := req.Amount.MinorUnits()
	body := map[string]any{
		"amount":   posted,
		"currency": strings.ToUpper(strings.TrimSpace(req.Currency)),
		"receipt":  req.Receipt,
	}
	if len(req.Notes) > 0 {
		body["notes"] = req.Notes
	}

	var order orderResponse
	if err := a.doRequest(ctx, http.MethodPost, "/orders", body, &order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, paymentdomain.ErrGatewayUnavailable
	}
	if drift := order.Amount - posted; drift > 1 || drift < -1 {
		return nil, fmt.Errorf("%w: posted %d, gateway stored %d",
			paymentdomain.ErrAmountMismatch, posted, order.Amount)
	}

	return &paymentdomain.OrderResult{
		OrderID:     order.ID,
		AmountMinor: order.Amount,
		Currency:    order.Currency,
		Status:      order.Status,
	}, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.RefundResult, error) {
	gatewayPaymentID := strings.TrimSpace(req.GatewayPaymentID)
	if gatewayPaymentID == "" || req.Amount.MinorUnits() <= 0 {
		return nil, paymentdomain.ErrInvalidConfig
	}

	posted := req.Amount.MinorUnits()
	body := map[string]any{"amount": posted}
	if len(req.Notes) > 0 {
		body["notes"] = req.Notes
	}

	var refund refundResponse
	path := "/payments/" + gatewayPaymentID + "/refund"
	if err := a.doRequest(ctx, http.MethodPost, path, body, &refund); err != nil {
		return nil, err
	}
	if refund.ID == "" {
		return nil, paymentdomain.ErrGatewayUnavailable
	}
	if drift := refund.Amount - posted; drift > 1 || drift < -1 {
		return nil, fmt.Errorf("%w: posted %d, gateway stored %d",
			paymentdomain.ErrAmountMismatch, posted, refund.Amount)
	}

	return &paymentdomain.RefundResult{
		RefundID:    refund.ID,
		AmountMinor: refund.Amount,
		Status:      refund.Status,
	}, nil
}

func (a *Adapter) doRequest(ctx context.Context, method, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.keyID, a.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var gwErr errorResponse
		_ = json.Unmarshal(payload, &gwErr)
		return &paymentdomain.GatewayError{
			StatusCode: resp.StatusCode,
			Code:       gwErr.Error.Code,
			Message:    gwErr.Error.Description,
		}
	}

	return json.Unmarshal(payload, out)
}

// VerifyWebhook compares the hex HMAC-SHA-256 of the raw body against
// the X-Razorpay-Signature value in constant time.
func (a *Adapter) VerifyWebhook(payload []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type webhookEnvelope struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Method   string `json:"method"`
}

type refundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

func (a *Adapter) ParseWebhook(payload []byte) (*paymentdomain.GatewayEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(envelope.Event)
	if eventType == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	occurredAt := time.Now().UTC()
	if envelope.CreatedAt > 0 {
		occurredAt = time.Unix(envelope.CreatedAt, 0).UTC()
	}

	switch {
	case strings.HasPrefix(eventType, "payment."):
		entity := envelope.Payload.Payment.Entity
		if entity.ID == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		return &paymentdomain.GatewayEvent{
			Provider:         a.Provider(),
			EventID:          eventID(envelope.ID, eventType, entity.ID),
			Type:             eventType,
			GatewayOrderID:   entity.OrderID,
			GatewayPaymentID: entity.ID,
			Status:           statusFromEvent(eventType, entity.Status),
			Method:           entity.Method,
			AmountMinor:      entity.Amount,
			Currency:         entity.Currency,
			OccurredAt:       occurredAt,
			RawPayload:       payload,
		}, nil
	case strings.HasPrefix(eventType, "refund."):
		entity := envelope.Payload.Refund.Entity
		if entity.ID == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		return &paymentdomain.GatewayEvent{
			Provider:         a.Provider(),
			EventID:          eventID(envelope.ID, eventType, entity.ID),
			Type:             eventType,
			GatewayPaymentID: entity.PaymentID,
			GatewayRefundID:  entity.ID,
			Status:           entity.Status,
			AmountMinor:      entity.Amount,
			Currency:         entity.Currency,
			OccurredAt:       occurredAt,
			RawPayload:       payload,
		}, nil
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

// eventID prefers the gateway's delivery id; older payloads without one
// fall back to a deterministic composite so replays still collide.
func eventID(id, eventType, entityID string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return eventType + ":" + entityID
}

// statusFromEvent trusts the event name over the embedded entity status;
// the entity can lag the event that announced the transition.
func statusFromEvent(eventType, entityStatus string) string {
	switch eventType {
	case "payment.authorized":
		return "authorized"
	case "payment.captured":
		return "captured"
	case "payment.failed":
		return "failed"
	default:
		return entityStatus
	}
}
