package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
)

// OrderResponse is the collection handle handed to the payer's client.
// AmountMinor is in the gateway currency's minor units.
type OrderResponse struct {
	Payment     *Payment `json:"payment"`
	OrderID     string   `json:"order_id"`
	AmountMinor int64    `json:"amount_minor"`
	Currency    string   `json:"currency"`
	Receipt     string   `json:"receipt"`
}

// RefundCommand describes one refund request. A nil Amount refunds the
// payment's remaining balance in full.
type RefundCommand struct {
	PaymentID uuid.UUID
	Amount    *money.Amount
	Reason    string
}

type Service interface {
	// CreateOrder opens (or re-presents) a gateway order for a finalized
	// invoice. An open pending payment for the invoice is reused.
	CreateOrder(ctx context.Context, invoiceID uuid.UUID) (*OrderResponse, error)

	// IngestWebhook verifies the raw delivery, parses it and processes
	// the event. ErrEventIgnored means an unconsumed family; handlers
	// acknowledge it so the gateway stops retrying.
	IngestWebhook(ctx context.Context, payload []byte, signature string) error

	// ProcessEvent applies one verified gateway event. Replays converge
	// on the same final state.
	ProcessEvent(ctx context.Context, event *GatewayEvent) error

	// RetryDuePayments claims failed payments whose backoff has elapsed
	// and re-presents them to the gateway. Returns attempts made.
	RetryDuePayments(ctx context.Context) (int, error)

	// Refund starts a refund against a captured payment on a paid
	// invoice. Completion arrives via the refund.processed webhook.
	Refund(ctx context.Context, cmd RefundCommand) (*Refund, error)

	Get(ctx context.Context, paymentID uuid.UUID) (*Payment, error)
	GetRefund(ctx context.Context, refundID uuid.UUID) (*Refund, error)
}

var (
	ErrInvalidPayment        = errors.New("invalid_payment")
	ErrPaymentNotFound       = errors.New("payment_not_found")
	ErrRefundNotFound        = errors.New("refund_not_found")
	ErrInvoiceNotPayable     = errors.New("invoice_not_payable")
	ErrInvoiceNotPaid        = errors.New("invoice_not_paid")
	ErrPaymentNotCaptured    = errors.New("payment_not_captured")
	ErrRefundExceedsPayment  = errors.New("refund_exceeds_payment")
	ErrInvalidRefundAmount   = errors.New("invalid_refund_amount")
	ErrEventAlreadyProcessed = errors.New("gateway_event_already_processed")
	ErrUnboundGatewayOrder   = errors.New("unbound_gateway_order")
)
