package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	"github.com/meterbill/meterbill/internal/metricsexport"
	"github.com/meterbill/meterbill/internal/money"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const retryClaimLimit = 50

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	Config      config.Config
	Operational *config.OperationalConfigHolder `optional:"true"`
	Registry    idempotencydomain.Registry
	Adapter     paymentdomain.PaymentAdapter
	Exchange    exchangedomain.Service
	Audit       auditdomain.Service
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	cfg         config.Config
	operational *config.OperationalConfigHolder
	registry    idempotencydomain.Registry
	adapter     paymentdomain.PaymentAdapter
	exchange    exchangedomain.Service
	audit       auditdomain.Service
	metrics     *obsmetrics.Metrics
}

func New(p Params) paymentdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		cfg:         p.Config,
		operational: p.Operational,
		registry:    p.Registry,
		adapter:     p.Adapter,
		exchange:    p.Exchange,
		audit:       p.Audit,
		metrics:     p.Metrics,
	}
}

type retrySettings struct {
	maxRetries int
	base       time.Duration
	jitter     float64
}

func (s *Service) retrySettings() retrySettings {
	settings := retrySettings{
		maxRetries: s.cfg.PaymentRetryMaxRetries,
		base:       time.Duration(s.cfg.PaymentRetryBaseHours) * time.Hour,
		jitter:     0.3,
	}
	if s.operational != nil {
		ops := s.operational.Get().PaymentRetry
		settings.maxRetries = ops.MaxRetries
		settings.base = time.Duration(ops.BaseIntervalHours) * time.Hour
		settings.jitter = ops.JitterFraction
	}
	if settings.maxRetries <= 0 {
		settings.maxRetries = 3
	}
	if settings.base <= 0 {
		settings.base = 24 * time.Hour
	}
	return settings
}

// backoffDelay is base·2^attempt with up to jitter fraction added.
func (s *Service) backoffDelay(settings retrySettings, attempt int) time.Duration {
	delay := settings.base << uint(attempt)
	if settings.jitter > 0 {
		delay += time.Duration(rand.Float64() * settings.jitter * float64(delay))
	}
	return delay
}

func (s *Service) gatewayCurrency(invoiceCurrency string) string {
	currency := strings.ToUpper(strings.TrimSpace(s.cfg.GatewayCurrency))
	if currency == "" {
		return invoiceCurrency
	}
	return currency
}

// orderAmount converts the invoice total into the gateway currency at
// order time. A missing rate refuses the order.
func (s *Service) orderAmount(ctx context.Context, amount money.Amount, from string) (money.Amount, string, error) {
	currency := s.gatewayCurrency(from)
	if currency == from {
		return amount, currency, nil
	}
	converted, err := s.exchange.Convert(ctx, amount, from, currency, s.clock.Now())
	if err != nil {
		if errors.Is(err, exchangedomain.ErrRateNotFound) {
			return money.Amount{}, "", fmt.Errorf("%w: %s->%s", invoicedomain.ErrMissingExchangeRate, from, currency)
		}
		return money.Amount{}, "", err
	}
	return converted.Settle(), currency, nil
}

func (s *Service) CreateOrder(ctx context.Context, invoiceID uuid.UUID) (*paymentdomain.OrderResponse, error) {
	if invoiceID == uuid.Nil {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).First(&invoice, "id = ?", invoiceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	if !payable(invoice.Status) {
		return nil, paymentdomain.ErrInvoiceNotPayable
	}

	payment, err := s.openPayment(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if payment != nil && payment.GatewayOrderID != nil {
		return orderResponse(payment), nil
	}

	now := s.clock.Now()
	if payment == nil {
		settings := s.retrySettings()
		payment = &paymentdomain.Payment{
			ID:         uuid.New(),
			OrgID:      invoice.OrgID,
			InvoiceID:  invoice.ID,
			Number:     fmt.Sprintf("PAY-%s", s.genID.Generate()),
			Receipt:    ulid.Make().String(),
			Amount:     invoice.Total,
			Currency:   invoice.Currency,
			Status:     paymentdomain.PaymentPending,
			MaxRetries: settings.maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	gwAmount, gwCurrency, err := s.orderAmount(ctx, invoice.Total, invoice.Currency)
	if err != nil {
		return nil, err
	}

	order, err := s.adapter.CreateOrder(ctx, paymentdomain.OrderRequest{
		Amount:   gwAmount,
		Currency: gwCurrency,
		Receipt:  payment.Receipt,
		Notes: map[string]string{
			"invoice_number": invoice.Number,
			"payment_number": payment.Number,
		},
	})
	if err != nil {
		return nil, err
	}

	payment.GatewayOrderID = &order.OrderID
	if payment.Metadata == nil {
		payment.Metadata = datatypes.JSONMap{}
	}
	payment.Metadata["gateway_amount_minor"] = order.AmountMinor
	payment.Metadata["gateway_currency"] = order.Currency
	payment.UpdatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"gateway_order_id", "metadata", "updated_at"}),
		}).Create(payment).Error
	})
	if err != nil {
		return nil, err
	}

	paymentID := payment.ID.String()
	_ = s.audit.AuditLog(ctx, &payment.OrgID, "", nil, "payment.order_created", "payment", &paymentID, map[string]any{
		"number":           payment.Number,
		"invoice_number":   invoice.Number,
		"gateway_order_id": order.OrderID,
		"amount_minor":     order.AmountMinor,
		"currency":         order.Currency,
	})

	return orderResponse(payment), nil
}

func payable(status invoicedomain.InvoiceStatus) bool {
	switch status {
	case invoicedomain.StatusFinalized, invoicedomain.StatusSent, invoicedomain.StatusOverdue:
		return true
	default:
		return false
	}
}

func (s *Service) openPayment(ctx context.Context, invoiceID uuid.UUID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, paymentdomain.PaymentPending).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func orderResponse(payment *paymentdomain.Payment) *paymentdomain.OrderResponse {
	resp := &paymentdomain.OrderResponse{
		Payment:     payment,
		Receipt:     payment.Receipt,
		AmountMinor: payment.Amount.MinorUnits(),
		Currency:    payment.Currency,
	}
	if payment.GatewayOrderID != nil {
		resp.OrderID = *payment.GatewayOrderID
	}
	if v, ok := metaInt64(payment.Metadata, "gateway_amount_minor"); ok {
		resp.AmountMinor = v
	}
	if v, ok := payment.Metadata["gateway_currency"].(string); ok && v != "" {
		resp.Currency = v
	}
	return resp
}

// verifyDeliveredAmount checks a money event's amount against the amount
// the order was created with, falling back to the payment amount when the
// order predates the gateway binding. Gateways may round by one minor
// unit; anything beyond that refuses the event and the payment stays in
// its current state. Events that carry no amount are not checkable.
func verifyDeliveredAmount(payment *paymentdomain.Payment, event *paymentdomain.GatewayEvent) error {
	if event.AmountMinor == 0 {
		return nil
	}
	expected, ok := metaInt64(payment.Metadata, "gateway_amount_minor")
	if !ok {
		expected = payment.Amount.MinorUnits()
	}
	if drift := event.AmountMinor - expected; drift > 1 || drift < -1 {
		return fmt.Errorf("%w: delivered %d, order %d",
			paymentdomain.ErrAmountMismatch, event.AmountMinor, expected)
	}
	return nil
}

func metaInt64(meta datatypes.JSONMap, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (s *Service) IngestWebhook(ctx context.Context, payload []byte, signature string) error {
	if err := s.adapter.VerifyWebhook(payload, signature); err != nil {
		return err
	}
	event, err := s.adapter.ParseWebhook(payload)
	if err != nil {
		return err
	}
	return s.ProcessEvent(ctx, event)
}

func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.EventID = strings.TrimSpace(event.EventID)
	event.Type = strings.TrimSpace(event.Type)
	if event.Provider == "" || event.EventID == "" || event.Type == "" {
		return paymentdomain.ErrInvalidEvent
	}

	now := s.clock.Now()
	record := paymentdomain.GatewayEventRecord{
		ID:              uuid.New(),
		Provider:        event.Provider,
		ProviderEventID: event.EventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	}
	if len(event.RawPayload) == 0 {
		record.Payload = datatypes.JSON([]byte("{}"))
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var stored paymentdomain.GatewayEventRecord
		err := s.db.WithContext(ctx).
			Where("provider = ? AND provider_event_id = ?", event.Provider, event.EventID).
			First(&stored).Error
		if err != nil {
			return err
		}
		if stored.ProcessedAt != nil {
			// Replay of a fully processed delivery converges silently.
			return nil
		}
		record = stored
	}

	var orgID *uuid.UUID
	var err error
	switch {
	case strings.HasPrefix(event.Type, "payment."):
		orgID, err = s.processPaymentEvent(ctx, event)
	case strings.HasPrefix(event.Type, "refund."):
		orgID, err = s.processRefundEvent(ctx, event)
	default:
		return paymentdomain.ErrEventIgnored
	}
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Model(&paymentdomain.GatewayEventRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{"processed_at": now, "org_id": orgID}).Error
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}
	return nil
}

// processPaymentEvent binds the gateway payment id to its Payment row
// exactly once, then applies the status transition in one transaction.
func (s *Service) processPaymentEvent(ctx context.Context, event *paymentdomain.GatewayEvent) (*uuid.UUID, error) {
	gatewayPaymentID := strings.TrimSpace(event.GatewayPaymentID)
	gatewayOrderID := strings.TrimSpace(event.GatewayOrderID)
	if gatewayPaymentID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	bound, err := s.registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "gateway-payment:" + gatewayPaymentID,
		EntityType: "payment",
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			if gatewayOrderID == "" {
				return uuid.Nil, paymentdomain.ErrUnboundGatewayOrder
			}
			var payment paymentdomain.Payment
			err := tx.
				Where("gateway_order_id = ?", gatewayOrderID).
				Order("created_at DESC").
				First(&payment).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return uuid.Nil, paymentdomain.ErrUnboundGatewayOrder
				}
				return uuid.Nil, err
			}
			err = tx.Model(&paymentdomain.Payment{}).
				Where("id = ? AND (gateway_payment_id IS NULL OR gateway_payment_id = ?)", payment.ID, gatewayPaymentID).
				Update("gateway_payment_id", gatewayPaymentID).Error
			if err != nil {
				return uuid.Nil, err
			}
			return payment.ID, nil
		},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	newStatus := paymentdomain.MapGatewayStatus(event.Status)

	var orgID uuid.UUID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment paymentdomain.Payment
		if err := tx.First(&payment, "id = ?", bound.EntityID).Error; err != nil {
			return err
		}
		orgID = payment.OrgID

		var invoice invoicedomain.Invoice
		if err := tx.First(&invoice, "id = ?", payment.InvoiceID).Error; err != nil {
			return err
		}
		switch invoice.Status {
		case invoicedomain.StatusDraft, invoicedomain.StatusCancelled, invoicedomain.StatusVoid:
			return paymentdomain.ErrInvoiceNotPayable
		}

		if newStatus == paymentdomain.PaymentAuthorized || newStatus == paymentdomain.PaymentCaptured {
			if err := verifyDeliveredAmount(&payment, event); err != nil {
				return err
			}
		}

		if payment.Status == newStatus {
			// Duplicate delivery of the same transition: paid_at and the
			// rest of the row stay exactly as the first delivery left them.
			return nil
		}

		updates := map[string]any{
			"status":        newStatus,
			"reconciled_at": now,
			"updated_at":    now,
		}
		if method := strings.TrimSpace(event.Method); method != "" {
			updates["method"] = method
		}
		if newStatus == paymentdomain.PaymentCaptured && payment.PaidAt == nil {
			updates["paid_at"] = now
		}
		if newStatus == paymentdomain.PaymentFailed && payment.RetryCount == 0 && payment.NextRetryAt == nil {
			next := now.Add(s.backoffDelay(s.retrySettings(), 0))
			updates["next_retry_at"] = next
		}
		if err := tx.Model(&paymentdomain.Payment{}).Where("id = ?", payment.ID).Updates(updates).Error; err != nil {
			return err
		}

		if newStatus == paymentdomain.PaymentCaptured {
			err := tx.Model(&invoicedomain.Invoice{}).
				Where("id = ? AND status <> ?", invoice.ID, invoicedomain.StatusPaid).
				Updates(map[string]any{
					"status":     invoicedomain.StatusPaid,
					"paid_at":    now,
					"updated_at": now,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	paymentID := bound.EntityID.String()
	_ = s.audit.AuditLog(ctx, &orgID, "", nil, "payment."+string(newStatus), "payment", &paymentID, map[string]any{
		"gateway_payment_id": gatewayPaymentID,
		"event_type":         event.Type,
	})
	if newStatus == paymentdomain.PaymentCaptured {
		metricsexport.RecordPaymentCaptured(orgID.String(), event.Provider)
	}
	return &orgID, nil
}

func (s *Service) processRefundEvent(ctx context.Context, event *paymentdomain.GatewayEvent) (*uuid.UUID, error) {
	gatewayRefundID := strings.TrimSpace(event.GatewayRefundID)
	if gatewayRefundID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	refund, err := s.findRefundForEvent(ctx, gatewayRefundID, strings.TrimSpace(event.GatewayPaymentID))
	if err != nil {
		return nil, err
	}

	switch event.Type {
	case "refund.processed":
		if err := s.applyRefundProcessed(ctx, refund); err != nil {
			return nil, err
		}
	case "refund.failed":
		err := s.db.WithContext(ctx).Model(&paymentdomain.Refund{}).
			Where("id = ? AND status = ?", refund.ID, paymentdomain.RefundPending).
			Updates(map[string]any{"status": paymentdomain.RefundFailed, "updated_at": s.clock.Now()}).Error
		if err != nil {
			return nil, err
		}
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	return &refund.OrgID, nil
}

// findRefundForEvent resolves by the gateway refund id first, then
// falls back to the payment's open pending refund and binds the id.
func (s *Service) findRefundForEvent(ctx context.Context, gatewayRefundID, gatewayPaymentID string) (*paymentdomain.Refund, error) {
	var refund paymentdomain.Refund
	err := s.db.WithContext(ctx).
		Where("gateway_refund_id = ?", gatewayRefundID).
		First(&refund).Error
	if err == nil {
		return &refund, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if gatewayPaymentID == "" {
		return nil, paymentdomain.ErrRefundNotFound
	}

	err = s.db.WithContext(ctx).
		Joins("JOIN payments ON payments.id = refunds.payment_id").
		Where("payments.gateway_payment_id = ? AND refunds.status = ? AND refunds.gateway_refund_id IS NULL",
			gatewayPaymentID, paymentdomain.RefundPending).
		Order("refunds.created_at DESC").
		First(&refund).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentdomain.ErrRefundNotFound
		}
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&paymentdomain.Refund{}).
		Where("id = ? AND gateway_refund_id IS NULL", refund.ID).
		Update("gateway_refund_id", gatewayRefundID).Error
	if err != nil {
		return nil, err
	}
	refund.GatewayRefundID = &gatewayRefundID
	return &refund, nil
}

// applyRefundProcessed cascades one confirmed refund: refund row,
// payment refund balance and status, invoice status — one transaction.
func (s *Service) applyRefundProcessed(ctx context.Context, refund *paymentdomain.Refund) error {
	now := s.clock.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed := tx.Model(&paymentdomain.Refund{}).
			Where("id = ? AND status = ?", refund.ID, paymentdomain.RefundPending).
			Updates(map[string]any{
				"status":       paymentdomain.RefundProcessed,
				"processed_at": now,
				"updated_at":   now,
			})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			// Already cascaded by an earlier delivery.
			return nil
		}

		var payment paymentdomain.Payment
		if err := tx.First(&payment, "id = ?", refund.PaymentID).Error; err != nil {
			return err
		}

		newRefunded := payment.RefundAmount.Add(refund.Amount)
		paymentStatus := paymentdomain.PaymentPartiallyRefunded
		fullyRefunded := newRefunded.GreaterThanOrEqual(payment.Amount)
		if fullyRefunded {
			paymentStatus = paymentdomain.PaymentRefunded
		}

		updates := map[string]any{
			"refund_amount": newRefunded,
			"status":        paymentStatus,
			"updated_at":    now,
		}
		if fullyRefunded {
			updates["refunded_at"] = now
		}
		if err := tx.Model(&paymentdomain.Payment{}).Where("id = ?", payment.ID).Updates(updates).Error; err != nil {
			return err
		}

		if fullyRefunded {
			err := tx.Model(&invoicedomain.Invoice{}).
				Where("id = ? AND status = ?", payment.InvoiceID, invoicedomain.StatusPaid).
				Updates(map[string]any{"status": invoicedomain.StatusRefunded, "updated_at": now}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	refundID := refund.ID.String()
	_ = s.audit.AuditLog(ctx, &refund.OrgID, "", nil, "refund.processed", "refund", &refundID, map[string]any{
		"number": refund.Number,
		"amount": refund.Amount.StringFixed(2),
		"type":   string(refund.Type),
	})
	if s.metrics != nil {
		s.metrics.RecordRefundProcessed(ctx, string(refund.Type))
	}
	metricsexport.RecordRefundProcessed(refund.OrgID.String(), string(refund.Type))
	return nil
}

func (s *Service) Refund(ctx context.Context, cmd paymentdomain.RefundCommand) (*paymentdomain.Refund, error) {
	if cmd.PaymentID == uuid.Nil {
		return nil, paymentdomain.ErrInvalidPayment
	}

	payment, err := s.Get(ctx, cmd.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.GatewayPaymentID == nil {
		return nil, paymentdomain.ErrPaymentNotCaptured
	}

	var invoice invoicedomain.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", payment.InvoiceID).Error; err != nil {
		return nil, err
	}
	if invoice.Status != invoicedomain.StatusPaid {
		return nil, paymentdomain.ErrInvoiceNotPaid
	}

	remaining := payment.Amount.Sub(payment.RefundAmount)
	amount := remaining
	if cmd.Amount != nil {
		amount = cmd.Amount.Settle()
	}
	if !amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidRefundAmount
	}
	if amount.GreaterThan(remaining) {
		return nil, paymentdomain.ErrRefundExceedsPayment
	}

	refundType := paymentdomain.RefundPartial
	if amount.Equal(payment.Amount) {
		refundType = paymentdomain.RefundFull
	}

	now := s.clock.Now()
	refund := &paymentdomain.Refund{
		ID:        uuid.New(),
		OrgID:     payment.OrgID,
		InvoiceID: payment.InvoiceID,
		PaymentID: payment.ID,
		Number:    fmt.Sprintf("RF-%s", s.genID.Generate()),
		Amount:    amount,
		Currency:  payment.Currency,
		Status:    paymentdomain.RefundPending,
		Type:      refundType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		refund.Reason = &reason
	}

	if err := s.db.WithContext(ctx).Create(refund).Error; err != nil {
		return nil, err
	}

	result, err := s.adapter.CreateRefund(ctx, paymentdomain.RefundRequest{
		GatewayPaymentID: *payment.GatewayPaymentID,
		Amount:           amount,
		Notes: map[string]string{
			"refund_number":  refund.Number,
			"payment_number": payment.Number,
		},
	})
	if err != nil {
		// The pending row stays for the operator; the gateway call never
		// happened, so nothing to reconcile.
		markErr := s.db.WithContext(ctx).Model(&paymentdomain.Refund{}).
			Where("id = ?", refund.ID).
			Updates(map[string]any{"status": paymentdomain.RefundFailed, "updated_at": s.clock.Now()}).Error
		if markErr != nil {
			s.log.Error("failed to mark refund failed", zap.String("refund_id", refund.ID.String()), zap.Error(markErr))
		}
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&paymentdomain.Refund{}).
		Where("id = ?", refund.ID).
		Update("gateway_refund_id", result.RefundID).Error
	if err != nil {
		return nil, err
	}
	refund.GatewayRefundID = &result.RefundID

	refundID := refund.ID.String()
	_ = s.audit.AuditLog(ctx, &payment.OrgID, "", nil, "refund.requested", "refund", &refundID, map[string]any{
		"number":            refund.Number,
		"payment_number":    payment.Number,
		"amount":            amount.StringFixed(2),
		"type":              string(refundType),
		"gateway_refund_id": result.RefundID,
	})

	return refund, nil
}

// RetryDuePayments claims due failed payments with FOR UPDATE SKIP
// LOCKED so concurrent scheduler instances never double-present one.
func (s *Service) RetryDuePayments(ctx context.Context) (int, error) {
	settings := s.retrySettings()
	now := s.clock.Now()

	var due []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(
			`SELECT id FROM payments
			 WHERE status = ? AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= ?
			 ORDER BY next_retry_at
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			paymentdomain.PaymentFailed, now, retryClaimLimit,
		).Scan(&due).Error
	})
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, paymentID := range due {
		if err := s.retryPayment(ctx, paymentID, settings); err != nil {
			s.log.Error("payment retry failed",
				zap.String("payment_id", paymentID.String()),
				zap.Error(err),
			)
			continue
		}
		attempted++
	}
	return attempted, nil
}

func (s *Service) retryPayment(ctx context.Context, paymentID uuid.UUID, settings retrySettings) error {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != paymentdomain.PaymentFailed || payment.RetryCount >= payment.MaxRetries {
		return nil
	}

	var invoice invoicedomain.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", payment.InvoiceID).Error; err != nil {
		return err
	}

	now := s.clock.Now()
	attempt := payment.RetryCount + 1
	entry := paymentdomain.RetryAttempt{Attempt: attempt, At: now}

	gwAmount, gwCurrency, orderErr := s.orderAmount(ctx, invoice.Total, invoice.Currency)
	if orderErr == nil {
		var order *paymentdomain.OrderResult
		order, orderErr = s.adapter.CreateOrder(ctx, paymentdomain.OrderRequest{
			Amount:   gwAmount,
			Currency: gwCurrency,
			Receipt:  payment.Receipt,
			Notes: map[string]string{
				"invoice_number": invoice.Number,
				"payment_number": payment.Number,
				"retry_attempt":  fmt.Sprintf("%d", attempt),
			},
		})
		if orderErr == nil {
			entry.GatewayOrderID = order.OrderID
			payment.GatewayOrderID = &order.OrderID
		}
	}
	if orderErr != nil {
		entry.Error = orderErr.Error()
	}

	final := attempt >= payment.MaxRetries
	if orderErr != nil && !paymentdomain.RetryableError(orderErr) {
		final = true
	}

	updates := map[string]any{
		"retry_count":   attempt,
		"last_retry_at": now,
		"updated_at":    now,
	}
	if payment.GatewayOrderID != nil {
		updates["gateway_order_id"] = *payment.GatewayOrderID
	}
	if final {
		updates["next_retry_at"] = nil
		metadata := payment.Metadata
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		metadata["final_failure"] = true
		updates["metadata"] = metadata
	} else {
		next := now.Add(s.backoffDelay(settings, attempt))
		entry.NextRetryAt = &next
		updates["next_retry_at"] = next
	}

	history, err := appendRetryHistory(payment.RetryHistory, entry)
	if err != nil {
		return err
	}
	updates["retry_history"] = history

	err = s.db.WithContext(ctx).Model(&paymentdomain.Payment{}).
		Where("id = ? AND retry_count = ?", payment.ID, payment.RetryCount).
		Updates(updates).Error
	if err != nil {
		return err
	}

	idStr := payment.ID.String()
	_ = s.audit.AuditLog(ctx, &payment.OrgID, "", nil, "payment.retry_attempted", "payment", &idStr, map[string]any{
		"number":  payment.Number,
		"attempt": attempt,
		"final":   final,
	})

	if orderErr != nil {
		return orderErr
	}
	return nil
}

// appendRetryHistory treats the stored array as append-only.
func appendRetryHistory(stored datatypes.JSON, entry paymentdomain.RetryAttempt) (datatypes.JSON, error) {
	var history []paymentdomain.RetryAttempt
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &history); err != nil {
			return nil, fmt.Errorf("decode retry history: %w", err)
		}
	}
	history = append(history, entry)
	encoded, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func (s *Service) Get(ctx context.Context, paymentID uuid.UUID) (*paymentdomain.Payment, error) {
	if paymentID == uuid.Nil {
		return nil, paymentdomain.ErrInvalidPayment
	}
	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).First(&payment, "id = ?", paymentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentdomain.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *Service) GetRefund(ctx context.Context, refundID uuid.UUID) (*paymentdomain.Refund, error) {
	if refundID == uuid.Nil {
		return nil, paymentdomain.ErrRefundNotFound
	}
	var refund paymentdomain.Refund
	err := s.db.WithContext(ctx).First(&refund, "id = ?", refundID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentdomain.ErrRefundNotFound
		}
		return nil, err
	}
	return &refund, nil
}
