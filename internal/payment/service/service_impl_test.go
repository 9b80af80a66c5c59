package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	auditrepository "github.com/meterbill/meterbill/internal/audit/repository"
	auditservice "github.com/meterbill/meterbill/internal/audit/service"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	exchangeservice "github.com/meterbill/meterbill/internal/exchange/service"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	idempotencyrepository "github.com/meterbill/meterbill/internal/idempotency/repository"
	idempotencyservice "github.com/meterbill/meterbill/internal/idempotency/service"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	"github.com/meterbill/meterbill/internal/money"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	orders    int
	refunds   int
	orderErr  error
	refundErr error
}

func (f *fakeAdapter) Provider() string { return "fake" }

func (f *fakeAdapter) CreateOrder(ctx context.Context, req paymentdomain.OrderRequest) (*paymentdomain.OrderResult, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders++
	return &paymentdomain.OrderResult{
		OrderID:     fmt.Sprintf("order_%d", f.orders),
		AmountMinor: req.Amount.MinorUnits(),
		Currency:    req.Currency,
		Status:      "created",
	}, nil
}

func (f *fakeAdapter) CreateRefund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.RefundResult, error) {
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refunds++
	return &paymentdomain.RefundResult{
		RefundID:    fmt.Sprintf("rfnd_%d", f.refunds),
		AmountMinor: req.Amount.MinorUnits(),
		Status:      "processed",
	}, nil
}

func (f *fakeAdapter) VerifyWebhook(payload []byte, signature string) error {
	if signature != "valid" {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (f *fakeAdapter) ParseWebhook(payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event paymentdomain.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	event.Provider = f.Provider()
	event.RawPayload = payload
	return &event, nil
}

type paymentHarness struct {
	svc     paymentdomain.Service
	db      *gorm.DB
	clock   *clock.FakeClock
	adapter *fakeAdapter
}

// stripRowLocks makes the postgres claim query runnable on sqlite.
func stripRowLocks(db *gorm.DB) {
	rewrite := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	_ = db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", rewrite)
	_ = db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", rewrite)
}

func setupPayment(t *testing.T) *paymentHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	stripRowLocks(db)

	require.NoError(t, db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&paymentdomain.GatewayEventRecord{},
		&idempotencydomain.IdempotencyKey{},
		&exchangedomain.ExchangeRate{},
		&auditdomain.AuditLog{},
	))

	fake := clock.NewFakeClock(time.Date(2024, 2, 5, 10, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	registry := idempotencyservice.New(idempotencyservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fake,
		Repo:  idempotencyrepository.Provide(),
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		Clock: fake,
		Repo:  auditrepository.Provide(),
	})
	exchange := exchangeservice.New(exchangeservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fake,
	})

	svc := New(Params{
		DB:    db,
		Log:   log,
		Clock: fake,
		GenID: node,
		Config: config.Config{
			GatewayCurrency:        "INR",
			PaymentRetryMaxRetries: 3,
			PaymentRetryBaseHours:  24,
		},
		Registry: registry,
		Adapter:  adapter,
		Exchange: exchange,
		Audit:    audit,
	})
	return &paymentHarness{svc: svc, db: db, clock: fake, adapter: adapter}
}

func (h *paymentHarness) seedInvoice(t *testing.T, status invoicedomain.InvoiceStatus, total string) *invoicedomain.Invoice {
	t.Helper()
	now := h.clock.Now()
	invoice := &invoicedomain.Invoice{
		ID:                 uuid.New(),
		OrgID:              uuid.New(),
		Number:             fmt.Sprintf("INV-202401-%s", uuid.New().String()[:8]),
		Status:             status,
		Subtotal:           money.MustParse(total),
		Tax:                money.Zero(),
		Discount:           money.Zero(),
		Total:              money.MustParse(total),
		Currency:           "INR",
		BillingPeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEnd:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond),
		DueDate:            time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Month:              1,
		Year:               2024,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if status == invoicedomain.StatusFinalized {
		finalized := now
		invoice.FinalizedAt = &finalized
	}
	require.NoError(t, h.db.Create(invoice).Error)
	return invoice
}

func (h *paymentHarness) reloadPayment(t *testing.T, id uuid.UUID) *paymentdomain.Payment {
	t.Helper()
	var payment paymentdomain.Payment
	require.NoError(t, h.db.First(&payment, "id = ?", id).Error)
	return &payment
}

func (h *paymentHarness) reloadInvoice(t *testing.T, id uuid.UUID) *invoicedomain.Invoice {
	t.Helper()
	var invoice invoicedomain.Invoice
	require.NoError(t, h.db.First(&invoice, "id = ?", id).Error)
	return &invoice
}

func capturedEvent(eventID, orderID, paymentID string) *paymentdomain.GatewayEvent {
	return &paymentdomain.GatewayEvent{
		Provider:         "fake",
		EventID:          eventID,
		Type:             "payment.captured",
		GatewayOrderID:   orderID,
		GatewayPaymentID: paymentID,
		Status:           "captured",
		Method:           "upi",
		OccurredAt:       time.Date(2024, 2, 5, 10, 30, 0, 0, time.UTC),
		RawPayload:       []byte(`{"event":"payment.captured"}`),
	}
}

func TestCreateOrderCreatesAndReusesPendingPayment(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

	resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "order_1", resp.OrderID)
	assert.EqualValues(t, 11800, resp.AmountMinor)
	assert.Equal(t, "INR", resp.Currency)
	assert.True(t, strings.HasPrefix(resp.Payment.Number, "PAY-"), resp.Payment.Number)
	assert.NotEmpty(t, resp.Receipt)
	assert.Equal(t, paymentdomain.PaymentPending, resp.Payment.Status)

	// A second order request re-presents the same open payment.
	again, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Payment.ID, again.Payment.ID)
	assert.Equal(t, "order_1", again.OrderID)
	assert.Equal(t, 1, h.adapter.orders)
}

func TestCreateOrderRefusesUnpayableInvoice(t *testing.T) {
	h := setupPayment(t)
	draft := h.seedInvoice(t, invoicedomain.StatusDraft, "10.00")

	_, err := h.svc.CreateOrder(context.Background(), draft.ID)
	assert.ErrorIs(t, err, paymentdomain.ErrInvoiceNotPayable)

	_, err = h.svc.CreateOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestCapturedWebhookMarksInvoicePaidOnce(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

	resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)

	require.NoError(t, h.svc.ProcessEvent(context.Background(), capturedEvent("evt_1", resp.OrderID, "pay_1")))

	payment := h.reloadPayment(t, resp.Payment.ID)
	assert.Equal(t, paymentdomain.PaymentCaptured, payment.Status)
	require.NotNil(t, payment.GatewayPaymentID)
	assert.Equal(t, "pay_1", *payment.GatewayPaymentID)
	require.NotNil(t, payment.PaidAt)
	firstPaidAt := *payment.PaidAt

	paid := h.reloadInvoice(t, invoice.ID)
	assert.Equal(t, invoicedomain.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	// Replay of the same delivery and a late duplicate with a new event
	// id both converge without touching paid_at.
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.svc.ProcessEvent(context.Background(), capturedEvent("evt_1", resp.OrderID, "pay_1")))
	require.NoError(t, h.svc.ProcessEvent(context.Background(), capturedEvent("evt_2", resp.OrderID, "pay_1")))

	payment = h.reloadPayment(t, resp.Payment.ID)
	require.NotNil(t, payment.PaidAt)
	assert.True(t, payment.PaidAt.Equal(firstPaidAt))
	assert.Equal(t, invoicedomain.StatusPaid, h.reloadInvoice(t, invoice.ID).Status)
}

func TestCapturedEventForUnknownOrderRefuses(t *testing.T) {
	h := setupPayment(t)

	err := h.svc.ProcessEvent(context.Background(), capturedEvent("evt_x", "order_missing", "pay_x"))
	assert.ErrorIs(t, err, paymentdomain.ErrUnboundGatewayOrder)
}

func TestCapturedWebhookToleratesOneMinorUnitDrift(t *testing.T) {
	cases := []struct {
		name     string
		drift    int64
		accepted bool
	}{
		{"exact", 0, true},
		{"one under", -1, true},
		{"one over", +1, true},
		{"two under", -2, false},
		{"two over", +2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := setupPayment(t)
			invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

			resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
			require.NoError(t, err)

			event := capturedEvent("evt_drift", resp.OrderID, "pay_drift")
			event.AmountMinor = 11800 + tc.drift
			err = h.svc.ProcessEvent(context.Background(), event)

			if tc.accepted {
				require.NoError(t, err)
				assert.Equal(t, paymentdomain.PaymentCaptured, h.reloadPayment(t, resp.Payment.ID).Status)
				assert.Equal(t, invoicedomain.StatusPaid, h.reloadInvoice(t, invoice.ID).Status)
				return
			}

			assert.ErrorIs(t, err, paymentdomain.ErrAmountMismatch)
			assert.Equal(t, paymentdomain.PaymentPending, h.reloadPayment(t, resp.Payment.ID).Status)
			assert.Equal(t, invoicedomain.StatusFinalized, h.reloadInvoice(t, invoice.ID).Status)

			// The mismatched delivery is stored but never marked processed,
			// so a corrected redelivery of the same event still lands.
			var record paymentdomain.GatewayEventRecord
			require.NoError(t, h.db.First(&record, "provider_event_id = ?", "evt_drift").Error)
			assert.Nil(t, record.ProcessedAt)

			corrected := capturedEvent("evt_drift", resp.OrderID, "pay_drift")
			corrected.AmountMinor = 11800
			require.NoError(t, h.svc.ProcessEvent(context.Background(), corrected))
			assert.Equal(t, invoicedomain.StatusPaid, h.reloadInvoice(t, invoice.ID).Status)
		})
	}
}

func TestFailedWebhookSchedulesFirstRetry(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

	resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)

	failed := capturedEvent("evt_f1", resp.OrderID, "pay_f1")
	failed.Type = "payment.failed"
	failed.Status = "failed"
	require.NoError(t, h.svc.ProcessEvent(context.Background(), failed))

	payment := h.reloadPayment(t, resp.Payment.ID)
	assert.Equal(t, paymentdomain.PaymentFailed, payment.Status)
	require.NotNil(t, payment.NextRetryAt)

	// base 24h plus at most 30% jitter
	earliest := h.clock.Now().Add(24 * time.Hour)
	latest := h.clock.Now().Add(24 * time.Hour * 13 / 10)
	assert.False(t, payment.NextRetryAt.Before(earliest))
	assert.False(t, payment.NextRetryAt.After(latest))
	assert.Equal(t, invoicedomain.StatusFinalized, h.reloadInvoice(t, invoice.ID).Status)
}

func TestRetryDuePaymentsWalksBackoffToFinalFailure(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

	resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)

	failed := capturedEvent("evt_f1", resp.OrderID, "pay_f1")
	failed.Type = "payment.failed"
	failed.Status = "failed"
	require.NoError(t, h.svc.ProcessEvent(context.Background(), failed))

	// Attempts 1 and 2 reschedule, attempt 3 is final.
	for attempt := 1; attempt <= 3; attempt++ {
		payment := h.reloadPayment(t, resp.Payment.ID)
		require.NotNil(t, payment.NextRetryAt, "attempt %d", attempt)
		h.clock.Advance(payment.NextRetryAt.Sub(h.clock.Now()) + time.Minute)

		attempted, err := h.svc.RetryDuePayments(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, attempted)

		payment = h.reloadPayment(t, resp.Payment.ID)
		assert.Equal(t, attempt, payment.RetryCount)
		require.NotNil(t, payment.LastRetryAt)

		var history []paymentdomain.RetryAttempt
		require.NoError(t, json.Unmarshal(payment.RetryHistory, &history))
		require.Len(t, history, attempt)
		assert.Equal(t, attempt, history[attempt-1].Attempt)

		if attempt < 3 {
			require.NotNil(t, payment.NextRetryAt)
		} else {
			assert.Nil(t, payment.NextRetryAt)
			assert.Equal(t, true, payment.Metadata["final_failure"])
		}
	}

	// Nothing left to claim.
	h.clock.Advance(100 * time.Hour)
	attempted, err := h.svc.RetryDuePayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, attempted)
}

func TestRetryStopsOnNonRetryableGatewayError(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

	resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)

	failed := capturedEvent("evt_f1", resp.OrderID, "pay_f1")
	failed.Type = "payment.failed"
	failed.Status = "failed"
	require.NoError(t, h.svc.ProcessEvent(context.Background(), failed))

	payment := h.reloadPayment(t, resp.Payment.ID)
	require.NotNil(t, payment.NextRetryAt)
	h.clock.Advance(payment.NextRetryAt.Sub(h.clock.Now()) + time.Minute)

	h.adapter.orderErr = &paymentdomain.GatewayError{StatusCode: http.StatusBadRequest, Code: "BAD_REQUEST_ERROR"}
	attempted, err := h.svc.RetryDuePayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, attempted)

	payment = h.reloadPayment(t, resp.Payment.ID)
	assert.Equal(t, 1, payment.RetryCount)
	assert.Nil(t, payment.NextRetryAt)
	assert.Equal(t, true, payment.Metadata["final_failure"])

	var history []paymentdomain.RetryAttempt
	require.NoError(t, json.Unmarshal(payment.RetryHistory, &history))
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].Error)
}

func (h *paymentHarness) capture(t *testing.T, invoiceID uuid.UUID, gatewayPaymentID string) *paymentdomain.Payment {
	t.Helper()
	resp, err := h.svc.CreateOrder(context.Background(), invoiceID)
	require.NoError(t, err)
	require.NoError(t, h.svc.ProcessEvent(context.Background(), capturedEvent("evt_"+gatewayPaymentID, resp.OrderID, gatewayPaymentID)))
	return h.reloadPayment(t, resp.Payment.ID)
}

func TestFullRefundCascadesToPaymentAndInvoice(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")
	payment := h.capture(t, invoice.ID, "pay_r1")

	refund, err := h.svc.Refund(context.Background(), paymentdomain.RefundCommand{
		PaymentID: payment.ID,
		Reason:    "customer request",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(refund.Number, "RF-"), refund.Number)
	assert.Equal(t, paymentdomain.RefundFull, refund.Type)
	assert.Equal(t, "118.00", refund.Amount.StringFixed(2))
	require.NotNil(t, refund.GatewayRefundID)

	processed := &paymentdomain.GatewayEvent{
		Provider:         "fake",
		EventID:          "evt_rf1",
		Type:             "refund.processed",
		GatewayPaymentID: "pay_r1",
		GatewayRefundID:  *refund.GatewayRefundID,
		Status:           "processed",
		RawPayload:       []byte(`{"event":"refund.processed"}`),
	}
	require.NoError(t, h.svc.ProcessEvent(context.Background(), processed))

	stored, err := h.svc.GetRefund(context.Background(), refund.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.RefundProcessed, stored.Status)
	require.NotNil(t, stored.ProcessedAt)

	payment = h.reloadPayment(t, payment.ID)
	assert.Equal(t, paymentdomain.PaymentRefunded, payment.Status)
	assert.Equal(t, "118.00", payment.RefundAmount.StringFixed(2))
	require.NotNil(t, payment.RefundedAt)
	assert.Equal(t, invoicedomain.StatusRefunded, h.reloadInvoice(t, invoice.ID).Status)

	// Replaying the confirmation must not double-add the amount.
	require.NoError(t, h.svc.ProcessEvent(context.Background(), processed))
	payment = h.reloadPayment(t, payment.ID)
	assert.Equal(t, "118.00", payment.RefundAmount.StringFixed(2))
}

func TestPartialRefundKeepsInvoicePaid(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")
	payment := h.capture(t, invoice.ID, "pay_r2")

	amount := money.MustParse("50.00")
	refund, err := h.svc.Refund(context.Background(), paymentdomain.RefundCommand{
		PaymentID: payment.ID,
		Amount:    &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.RefundPartial, refund.Type)

	require.NoError(t, h.svc.ProcessEvent(context.Background(), &paymentdomain.GatewayEvent{
		Provider:        "fake",
		EventID:         "evt_rf2",
		Type:            "refund.processed",
		GatewayRefundID: *refund.GatewayRefundID,
		Status:          "processed",
		RawPayload:      []byte(`{}`),
	}))

	payment = h.reloadPayment(t, payment.ID)
	assert.Equal(t, paymentdomain.PaymentPartiallyRefunded, payment.Status)
	assert.Equal(t, "50.00", payment.RefundAmount.StringFixed(2))
	assert.Nil(t, payment.RefundedAt)
	assert.Equal(t, invoicedomain.StatusPaid, h.reloadInvoice(t, invoice.ID).Status)

	// Remaining balance is 68.00; asking for more refuses.
	tooMuch := money.MustParse("70.00")
	_, err = h.svc.Refund(context.Background(), paymentdomain.RefundCommand{
		PaymentID: payment.ID,
		Amount:    &tooMuch,
	})
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsPayment)
}

func TestRefundRequiresPaidInvoiceAndBoundPayment(t *testing.T) {
	h := setupPayment(t)
	invoice := h.seedInvoice(t, invoicedomain.StatusFinalized, "118.00")

	resp, err := h.svc.CreateOrder(context.Background(), invoice.ID)
	require.NoError(t, err)

	// No gateway payment bound yet.
	_, err = h.svc.Refund(context.Background(), paymentdomain.RefundCommand{PaymentID: resp.Payment.ID})
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotCaptured)

	// Bind via a failed payment; the invoice is still unpaid.
	failed := capturedEvent("evt_f9", resp.OrderID, "pay_f9")
	failed.Type = "payment.failed"
	failed.Status = "failed"
	require.NoError(t, h.svc.ProcessEvent(context.Background(), failed))

	_, err = h.svc.Refund(context.Background(), paymentdomain.RefundCommand{PaymentID: resp.Payment.ID})
	assert.ErrorIs(t, err, paymentdomain.ErrInvoiceNotPaid)
}

func TestIngestWebhookVerifiesSignature(t *testing.T) {
	h := setupPayment(t)

	err := h.svc.IngestWebhook(context.Background(), []byte(`{}`), "bogus")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}
