// Package domain contains persistence models for invoices.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
	"gorm.io/datatypes"
)

type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusFinalized InvoiceStatus = "finalized"
	StatusSent      InvoiceStatus = "sent"
	StatusPaid      InvoiceStatus = "paid"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusRefunded  InvoiceStatus = "refunded"
	StatusCancelled InvoiceStatus = "cancelled"
	StatusVoid      InvoiceStatus = "void"
)

// FinalizedTransitions is the only status set a finalized invoice may
// move into. The database trigger enforces the same set.
var FinalizedTransitions = map[InvoiceStatus]bool{
	StatusPaid:      true,
	StatusRefunded:  true,
	StatusCancelled: true,
	StatusVoid:      true,
}

// Terminal reports whether no further transitions are expected.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case StatusPaid, StatusCancelled, StatusVoid, StatusRefunded:
		return true
	default:
		return false
	}
}

// Invoice is one billing period's immutable-once-finalized document.
// (org_id, month, year) is the canonical billing identity; the period
// window is derived and stored for display. Subtotal is the effective
// subtotal: line totals, minimum-charge top-up included, sum to it.
type Invoice struct {
	ID                 uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	OrgID              uuid.UUID         `json:"org_id" gorm:"type:uuid;not null;index:ix_invoices_org_period"`
	Number             string            `json:"number" gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	Status             InvoiceStatus     `json:"status" gorm:"type:text;not null;default:'draft'"`
	Subtotal           money.Amount      `json:"subtotal" gorm:"type:numeric(20,2);not null"`
	Tax                money.Amount      `json:"tax" gorm:"type:numeric(20,2);not null"`
	Discount           money.Amount      `json:"discount" gorm:"type:numeric(20,2);not null"`
	Total              money.Amount      `json:"total" gorm:"type:numeric(20,2);not null"`
	Currency           string            `json:"currency" gorm:"type:char(3);not null"`
	BillingPeriodStart time.Time         `json:"billing_period_start" gorm:"not null"`
	BillingPeriodEnd   time.Time         `json:"billing_period_end" gorm:"not null"`
	DueDate            time.Time         `json:"due_date" gorm:"not null"`
	Month              int               `json:"month" gorm:"not null;index:ix_invoices_org_period"`
	Year               int               `json:"year" gorm:"not null;index:ix_invoices_org_period"`
	FinalizedAt        *time.Time        `json:"finalized_at,omitempty"`
	IssuedAt           *time.Time        `json:"issued_at,omitempty"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	PDFURL             *string           `json:"pdf_url,omitempty" gorm:"column:pdf_url;type:text"`
	TemplateID         *uuid.UUID        `json:"template_id,omitempty" gorm:"type:uuid"`
	OriginalCurrency   *string           `json:"original_currency,omitempty" gorm:"type:char(3)"`
	ExchangeRate       *money.Amount     `json:"exchange_rate,omitempty" gorm:"type:numeric(30,8)"`
	Metadata           datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	LineItems          []InvoiceLineItem `json:"line_items,omitempty" gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE"`
	CreatedAt          time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLineItem is one priced line. Immutable once the parent is
// finalized.
type InvoiceLineItem struct {
	ID          uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	InvoiceID   uuid.UUID    `json:"invoice_id" gorm:"type:uuid;not null;uniqueIndex:ux_invoice_line_items_number"`
	LineNumber  int          `json:"line_number" gorm:"not null;uniqueIndex:ux_invoice_line_items_number"`
	ProjectID   *uuid.UUID   `json:"project_id,omitempty" gorm:"type:uuid"`
	Description string       `json:"description" gorm:"type:text;not null"`
	MetricName  string       `json:"metric_name" gorm:"type:text;not null"`
	Quantity    money.Amount `json:"quantity" gorm:"type:numeric(30,10);not null"`
	Unit        string       `json:"unit" gorm:"type:text;not null"`
	UnitPrice   money.Amount `json:"unit_price" gorm:"type:numeric(30,8);not null"`
	Total       money.Amount `json:"total" gorm:"type:numeric(20,2);not null"`
	Currency    string       `json:"currency" gorm:"type:char(3);not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }
