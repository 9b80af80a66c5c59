// Package domain contains payment, refund and gateway event models.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentAuthorized        PaymentStatus = "authorized"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentCancelled         PaymentStatus = "cancelled"
)

// MapGatewayStatus normalizes a gateway-reported status into the local
// state machine. Anything unrecognized stays pending.
func MapGatewayStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "authorized":
		return PaymentAuthorized
	case "captured":
		return PaymentCaptured
	case "failed":
		return PaymentFailed
	case "refunded":
		return PaymentRefunded
	default:
		return PaymentPending
	}
}

// Payment is one attempt set to collect an invoice. gateway_payment_id
// is unique when set; the webhook path binds it exactly once.
type Payment struct {
	ID               uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID            uuid.UUID         `json:"org_id" gorm:"type:uuid;not null;index"`
	InvoiceID        uuid.UUID         `json:"invoice_id" gorm:"type:uuid;not null;index"`
	Number           string            `json:"number" gorm:"type:text;not null;uniqueIndex:ux_payments_number"`
	Receipt          string            `json:"receipt" gorm:"type:text;not null"`
	GatewayOrderID   *string           `json:"gateway_order_id,omitempty" gorm:"type:text;index"`
	GatewayPaymentID *string           `json:"gateway_payment_id,omitempty" gorm:"type:text;uniqueIndex:ux_payments_gateway_payment_id"`
	Amount           money.Amount      `json:"amount" gorm:"type:numeric(20,2);not null"`
	Currency         string            `json:"currency" gorm:"type:char(3);not null"`
	Status           PaymentStatus     `json:"status" gorm:"type:text;not null;default:'pending'"`
	Method           *string           `json:"method,omitempty" gorm:"type:text"`
	PaidAt           *time.Time        `json:"paid_at,omitempty"`
	ReconciledAt     *time.Time        `json:"reconciled_at,omitempty"`
	RefundAmount     money.Amount      `json:"refund_amount" gorm:"type:numeric(20,2);not null;default:0"`
	RefundedAt       *time.Time        `json:"refunded_at,omitempty"`
	RetryCount       int               `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries       int               `json:"max_retries" gorm:"not null;default:3"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty" gorm:"index"`
	LastRetryAt      *time.Time        `json:"last_retry_at,omitempty"`
	RetryHistory     datatypes.JSON    `json:"retry_history,omitempty" gorm:"type:jsonb"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// RetryAttempt is one entry in the payment's append-only retry history.
type RetryAttempt struct {
	Attempt        int        `json:"attempt"`
	At             time.Time  `json:"at"`
	GatewayOrderID string     `json:"gateway_order_id,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundProcessed RefundStatus = "processed"
	RefundFailed    RefundStatus = "failed"
	RefundCancelled RefundStatus = "cancelled"
)

type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// Refund is one refund attempt against a captured payment.
type Refund struct {
	ID              uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID           uuid.UUID    `json:"org_id" gorm:"type:uuid;not null;index"`
	InvoiceID       uuid.UUID    `json:"invoice_id" gorm:"type:uuid;not null;index"`
	PaymentID       uuid.UUID    `json:"payment_id" gorm:"type:uuid;not null;index"`
	Number          string       `json:"number" gorm:"type:text;not null;uniqueIndex:ux_refunds_number"`
	GatewayRefundID *string      `json:"gateway_refund_id,omitempty" gorm:"type:text;uniqueIndex:ux_refunds_gateway_refund_id"`
	Amount          money.Amount `json:"amount" gorm:"type:numeric(20,2);not null"`
	Currency        string       `json:"currency" gorm:"type:char(3);not null"`
	Status          RefundStatus `json:"status" gorm:"type:text;not null;default:'pending'"`
	Type            RefundType   `json:"type" gorm:"type:text;not null"`
	Reason          *string      `json:"reason,omitempty" gorm:"type:text"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Refund) TableName() string { return "refunds" }

// GatewayEventRecord stores every accepted webhook delivery. The
// (provider, provider_event_id) pair makes replays short-circuit.
type GatewayEventRecord struct {
	ID              uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID           *uuid.UUID     `json:"org_id,omitempty" gorm:"type:uuid;index"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_gateway_events_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_gateway_events_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (GatewayEventRecord) TableName() string { return "payment_gateway_events" }
