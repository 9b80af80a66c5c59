package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meterbill/meterbill/internal/money"
)

// OrderRequest asks the gateway to open an order for collection.
// Amount is in major units; adapters convert to the gateway's
// minor-unit integer form on the wire.
type OrderRequest struct {
	Amount   money.Amount
	Currency string
	Receipt  string
	Notes    map[string]string
}

// OrderResult is the gateway's view of a created order. AmountMinor
// echoes the gateway's stored amount in minor units.
type OrderResult struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Status      string
}

// RefundRequest asks the gateway to refund part or all of a captured
// payment, addressed by the gateway's own payment id.
type RefundRequest struct {
	GatewayPaymentID string
	Amount           money.Amount
	Notes            map[string]string
}

type RefundResult struct {
	RefundID    string
	AmountMinor int64
	Status      string
}

// GatewayEvent is the canonical webhook event after verification and
// parsing. Exactly one of the gateway ids is primary per family:
// payment.* events carry GatewayPaymentID, refund.* events carry
// GatewayRefundID.
type GatewayEvent struct {
	Provider         string
	EventID          string
	Type             string
	GatewayOrderID   string
	GatewayPaymentID string
	GatewayRefundID  string
	Status           string
	Method           string
	AmountMinor      int64
	Currency         string
	OccurredAt       time.Time
	RawPayload       []byte
}

// PaymentAdapter is the outbound/inbound gateway contract.
type PaymentAdapter interface {
	Provider() string
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// VerifyWebhook checks the hex HMAC-SHA-256 signature over the exact
	// raw body in constant time.
	VerifyWebhook(payload []byte, signature string) error
	// ParseWebhook returns ErrEventIgnored for event families this
	// system does not consume.
	ParseWebhook(payload []byte) (*GatewayEvent, error)
}

// AdapterConfig carries one provider's credentials. HTTPClient is
// injectable for tests; nil means a default client.
type AdapterConfig struct {
	BaseURL       string
	KeyID         string
	Secret        string
	WebhookSecret string
	HTTPClient    *http.Client
}

// AdapterFactory builds a configured adapter for its provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// GatewayError is a non-2xx gateway response. Retryable distinguishes
// transient failures from requests that will never succeed.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether a fresh attempt could succeed. Validation,
// authentication, not-found and duplicate responses never will.
func (e *GatewayError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return false
	default:
		return true
	}
}

// RetryableError reports whether err warrants another gateway attempt.
func RetryableError(err error) bool {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Retryable()
	}
	return true
}

var (
	ErrInvalidConfig      = errors.New("invalid_adapter_config")
	ErrInvalidSignature   = errors.New("invalid_webhook_signature")
	ErrInvalidPayload     = errors.New("invalid_webhook_payload")
	ErrInvalidEvent       = errors.New("invalid_gateway_event")
	ErrEventIgnored       = errors.New("gateway_event_ignored")
	ErrProviderNotFound   = errors.New("payment_provider_not_found")
	ErrAmountMismatch     = errors.New("gateway_amount_mismatch")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)
