package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/pkg/db/pagination"
)

type ListInvoicesRequest struct {
	OrgID     uuid.UUID
	Status    InvoiceStatus
	PageToken string
	PageSize  int32
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// GenerateResult reports one generation run. Created is false when the
// idempotency registry replayed an earlier run.
type GenerateResult struct {
	Invoice *Invoice
	Created bool
	// UnpricedMetrics names aggregates dropped for lack of a pricing
	// rule; they are logged and audited, never silently discarded.
	UnpricedMetrics []string
}

type Service interface {
	// Generate builds, validates and persists the org's invoice for the
	// billing month, single-flighted by idempotency key. Replays return
	// the previously produced invoice.
	Generate(ctx context.Context, orgID uuid.UUID, month, year int) (*GenerateResult, error)
	// GenerateDue generates invoices for every org with aggregates in
	// the month, continuing past per-org failures.
	GenerateDue(ctx context.Context, month, year int) (int, error)
	// Finalize seals a draft invoice. All monetary and period fields
	// become immutable; only paid/refunded/cancelled/void transitions
	// remain.
	Finalize(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error)
	Get(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) (ListInvoicesResponse, error)
}

var (
	ErrInvalidOrganization     = errors.New("invalid_organization")
	ErrInvalidBillingPeriod    = errors.New("invalid_billing_period")
	ErrInvalidInvoice          = errors.New("invalid_invoice")
	ErrInvoiceNotFound         = errors.New("invoice_not_found")
	ErrInvoiceExists           = errors.New("invoice_exists")
	ErrInvoiceNotDraft         = errors.New("invoice_not_draft")
	ErrInvoiceAlreadyFinalized = errors.New("invoice_already_finalized")
	ErrInvoiceNotFinalized     = errors.New("invoice_not_finalized")
	ErrInvoiceImmutable        = errors.New("invoice_immutable")
	ErrNothingToInvoice        = errors.New("nothing_to_invoice")
	ErrCalculationMismatch     = errors.New("invoice_calculation_mismatch")
	ErrMissingExchangeRate     = errors.New("missing_exchange_rate")
	ErrInvalidPageToken        = errors.New("invalid_page_token")
)
