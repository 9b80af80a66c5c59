package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	auditdomain "github.com/meterbill/meterbill/internal/audit/domain"
	auditrepository "github.com/meterbill/meterbill/internal/audit/repository"
	auditservice "github.com/meterbill/meterbill/internal/audit/service"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	exchangedomain "github.com/meterbill/meterbill/internal/exchange/domain"
	exchangeservice "github.com/meterbill/meterbill/internal/exchange/service"
	"github.com/meterbill/meterbill/internal/hotstore"
	hotstoredomain "github.com/meterbill/meterbill/internal/hotstore/domain"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	idempotencyrepository "github.com/meterbill/meterbill/internal/idempotency/repository"
	idempotencyservice "github.com/meterbill/meterbill/internal/idempotency/service"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	invoiceservice "github.com/meterbill/meterbill/internal/invoice/service"
	"github.com/meterbill/meterbill/internal/money"
	organizationrepository "github.com/meterbill/meterbill/internal/organization/repository"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	paymentservice "github.com/meterbill/meterbill/internal/payment/service"
	pricingdomain "github.com/meterbill/meterbill/internal/pricing/domain"
	pricingrepository "github.com/meterbill/meterbill/internal/pricing/repository"
	pricingservice "github.com/meterbill/meterbill/internal/pricing/service"
	projectdomain "github.com/meterbill/meterbill/internal/project/domain"
	projectrepository "github.com/meterbill/meterbill/internal/project/repository"
	projectservice "github.com/meterbill/meterbill/internal/project/service"
	ratingservice "github.com/meterbill/meterbill/internal/rating/service"
	referencerepository "github.com/meterbill/meterbill/internal/reference"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	usageservice "github.com/meterbill/meterbill/internal/usage/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	orders  int
	refunds int
}

func (f *stubGateway) Provider() string { return "fake" }

func (f *stubGateway) CreateOrder(ctx context.Context, req paymentdomain.OrderRequest) (*paymentdomain.OrderResult, error) {
	f.orders++
	return &paymentdomain.OrderResult{
		OrderID:     fmt.Sprintf("order_%d", f.orders),
		AmountMinor: req.Amount.MinorUnits(),
		Currency:    req.Currency,
		Status:      "created",
	}, nil
}

func (f *stubGateway) CreateRefund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.RefundResult, error) {
	f.refunds++
	return &paymentdomain.RefundResult{
		RefundID:    fmt.Sprintf("rfnd_%d", f.refunds),
		AmountMinor: req.Amount.MinorUnits(),
		Status:      "processed",
	}, nil
}

func (f *stubGateway) VerifyWebhook(payload []byte, signature string) error {
	if signature != "valid" {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (f *stubGateway) ParseWebhook(payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event paymentdomain.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	event.Provider = f.Provider()
	event.RawPayload = payload
	return &event, nil
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

type serverHarness struct {
	srv     *Server
	engine  *gin.Engine
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *stubGateway
	orgID   uuid.UUID
	apiKey  string
}

func setupServer(t *testing.T) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	stripRowLocks(db)

	// pq.StringArray scopes need hand-written DDL on sqlite.
	require.NoError(t, db.Exec(`CREATE TABLE organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		billing_email TEXT NOT NULL,
		preferred_currency TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		metadata JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE projects (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		scopes TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_used_at DATETIME
	)`).Error)
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX ux_projects_api_key_hash
		ON projects (api_key_hash)`).Error)

	require.NoError(t, db.AutoMigrate(
		&hotstoredomain.HotUsageEvent{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageAggregate{},
		&pricingdomain.PricingRule{},
		&pricingdomain.MinimumChargeRule{},
		&pricingdomain.BillingConfig{},
		&exchangedomain.ExchangeRate{},
		&idempotencydomain.IdempotencyKey{},
		&auditdomain.AuditLog{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&paymentdomain.GatewayEventRecord{},
	))

	fake := clock.NewFakeClock(time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	orgID := uuid.New()
	require.NoError(t, db.Exec(
		`INSERT INTO organizations (id, name, slug, billing_email, preferred_currency, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		orgID, "Acme", "acme-"+orgID.String()[:8], "billing@acme.test", "INR", true,
		fake.Now(), fake.Now(),
	).Error)

	orgRepo := organizationrepository.NewRepository(db)
	projectSvc := projectservice.New(projectservice.Params{
		DB:      db,
		Log:     log,
		Clock:   fake,
		Repo:    projectrepository.Provide(db),
		OrgRepo: orgRepo,
	})
	secret, err := projectSvc.Create(context.Background(), projectdomain.CreateRequest{
		OrgID:  orgID.String(),
		Name:   "default",
		Scopes: []string{projectdomain.ScopeUsageWrite, projectdomain.ScopeBillingManage},
	})
	require.NoError(t, err)

	usage := usageservice.New(usageservice.ServiceParam{
		DB:       db,
		Log:      log,
		Clock:    fake,
		HotStore: hotstore.NewStore(db),
	})
	pricing := pricingservice.New(pricingservice.Params{
		DB:      db,
		Log:     log,
		Clock:   fake,
		Config:  config.Config{DefaultCurrency: "INR"},
		Repo:    pricingrepository.Provide(),
		OrgRepo: orgRepo,
		RefRepo: referencerepository.NewRepository(db),
	})
	exchange := exchangeservice.New(exchangeservice.ServiceParam{
		DB:    db,
		Log:   log,
		Clock: fake,
	})
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
	invoiceSvc := invoiceservice.New(invoiceservice.ServiceParam{
		DB:       db,
		Log:      log,
		Clock:    fake,
		GenID:    node,
		Registry: registry,
		Usage:    usage,
		Pricing:  pricing,
		Exchange: exchange,
		Rating:   ratingservice.New(),
		Audit:    audit,
	})
	gateway := &stubGateway{}
	paymentSvc := paymentservice.New(paymentservice.Params{
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
		Adapter:  gateway,
		Exchange: exchange,
		Audit:    audit,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{HTTPPort: "8080"},
		DB:         db,
		Log:        log,
		Clock:      fake,
		ProjectSvc: projectSvc,
		UsageSvc:   usage,
		InvoiceSvc: invoiceSvc,
		PaymentSvc: paymentSvc,
	})

	return &serverHarness{
		srv:     srv,
		engine:  engine,
		db:      db,
		clock:   fake,
		gateway: gateway,
		orgID:   orgID,
		apiKey:  secret.APIKey,
	}
}

func (h *serverHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *serverHarness) authed(extra ...map[string]string) map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + h.apiKey}
	for _, m := range extra {
		for k, v := range m {
			headers[k] = v
		}
	}
	return headers
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *serverHarness) seedBillable(t *testing.T) {
	t.Helper()
	require.NoError(t, h.db.Create(&pricingdomain.BillingConfig{
		ID:               uuid.New(),
		OrgID:            h.orgID,
		Currency:         "INR",
		TaxRate:          money.MustParse("0.18"),
		Cycle:            pricingdomain.CycleMonthly,
		PaymentTermsDays: 30,
	}).Error)
	require.NoError(t, h.db.Create(&pricingdomain.PricingRule{
		ID:            uuid.New(),
		MetricName:    "api_calls",
		Unit:          "count",
		PricePerUnit:  money.MustParse("0.10"),
		Currency:      "INR",
		EffectiveFrom: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}).Error)
	require.NoError(t, h.db.Create(&usagedomain.UsageAggregate{
		ID:         uuid.New(),
		OrgID:      h.orgID,
		ProjectID:  uuid.New(),
		MetricName: "api_calls",
		Unit:       "count",
		TotalValue: decimal.RequireFromString("1000"),
		EventCount: 1000,
		Month:      1,
		Year:       2024,
	}).Error)
}

func TestIngestUsageAcceptsAndDeduplicates(t *testing.T) {
	h := setupServer(t)
	body := map[string]any{
		"event_id":        "evt-1",
		"metric_name":     "api_calls",
		"metric_value":    5,
		"unit":            "count",
		"idempotency_key": "ing-1",
	}

	rec := h.do(t, http.MethodPost, "/v1/usage/events", body, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody(t, rec)
	require.NotEmpty(t, first["eventId"])
	assert.NotEqual(t, "duplicate", first["eventId"])

	rec = h.do(t, http.MethodPost, "/v1/usage/events", body, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "duplicate", decodeBody(t, rec)["eventId"])

	var count int64
	require.NoError(t, h.db.Model(&hotstoredomain.HotUsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestUsageRejectsBadCredentials(t *testing.T) {
	h := setupServer(t)
	body := map[string]any{
		"metric_name":  "api_calls",
		"metric_value": 1,
		"unit":         "count",
	}

	rec := h.do(t, http.MethodPost, "/v1/usage/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/usage/events", body,
		map[string]string{"Authorization": "Basic " + h.apiKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/usage/events", body,
		map[string]string{"Authorization": "Bearer not-a-real-key"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestUsageRequiresScope(t *testing.T) {
	h := setupServer(t)

	secret, err := h.srv.projectSvc.Create(context.Background(), projectdomain.CreateRequest{
		OrgID:  h.orgID.String(),
		Name:   "billing-only",
		Scopes: []string{projectdomain.ScopeBillingManage},
	})
	require.NoError(t, err)

	body := map[string]any{
		"metric_name":  "api_calls",
		"metric_value": 1,
		"unit":         "count",
	}
	rec := h.do(t, http.MethodPost, "/v1/usage/events", body,
		map[string]string{"Authorization": "Bearer " + secret.APIKey})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestUsageValidatesPayload(t *testing.T) {
	h := setupServer(t)

	rec := h.do(t, http.MethodPost, "/v1/usage/events", map[string]any{
		"metric_name":  "api_calls",
		"metric_value": -1,
		"unit":         "count",
	}, h.authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/usage/events", map[string]any{
		"metric_name":  "api_calls",
		"metric_value": 1,
		"unit":         "count",
		"timestamp":    "not-a-timestamp",
	}, h.authed())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	h := setupServer(t)
	h.seedBillable(t)

	rec := h.do(t, http.MethodPost, "/v1/invoices/generate",
		map[string]any{"month": 1, "year": 2024}, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	data := created["data"].(map[string]any)
	invoiceID := data["id"].(string)
	require.NotEmpty(t, invoiceID)

	// Replay returns the stored invoice.
	rec = h.do(t, http.MethodPost, "/v1/invoices/generate",
		map[string]any{"month": 1, "year": 2024}, h.authed())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, invoiceID, decodeBody(t, rec)["data"].(map[string]any)["id"])

	rec = h.do(t, http.MethodPost, "/v1/invoices/"+invoiceID+"/finalize", nil, h.authed())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "finalized", decodeBody(t, rec)["data"].(map[string]any)["status"])

	rec = h.do(t, http.MethodPost, "/v1/invoices/"+invoiceID+"/finalize", nil, h.authed())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/invoices/"+invoiceID, nil, h.authed())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/invoices", nil, h.authed())
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)
	assert.Len(t, list["data"].([]any), 1)

	rec = h.do(t, http.MethodGet, "/v1/invoices/"+uuid.NewString(), nil, h.authed())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateRefusesForeignOrganization(t *testing.T) {
	h := setupServer(t)
	h.seedBillable(t)

	rec := h.do(t, http.MethodPost, "/v1/invoices/generate",
		map[string]any{"orgId": uuid.NewString(), "month": 1, "year": 2024}, h.authed())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPaymentOrderAndWebhookFlow(t *testing.T) {
	h := setupServer(t)
	h.seedBillable(t)

	rec := h.do(t, http.MethodPost, "/v1/invoices/generate",
		map[string]any{"month": 1, "year": 2024}, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeBody(t, rec)["data"].(map[string]any)["id"].(string)

	rec = h.do(t, http.MethodPost, "/v1/invoices/"+invoiceID+"/finalize", nil, h.authed())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/payments/orders",
		map[string]any{"invoiceId": invoiceID}, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody(t, rec)
	orderID := order["orderId"].(string)
	require.NotEmpty(t, orderID)
	assert.Equal(t, "pending", order["status"])

	// Captured webhook marks the invoice paid.
	captured := map[string]any{
		"EventID":          "evt_cap_1",
		"Type":             "payment.captured",
		"GatewayOrderID":   orderID,
		"GatewayPaymentID": "pay_1",
		"Status":           "captured",
		"Method":           "upi",
	}
	rec = h.do(t, http.MethodPost, "/v1/payments/webhook", captured,
		map[string]string{"X-Signature": "valid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var invoice invoicedomain.Invoice
	require.NoError(t, h.db.First(&invoice, "id = ?", invoiceID).Error)
	assert.Equal(t, invoicedomain.StatusPaid, invoice.Status)

	// Replay acknowledges without reapplying.
	rec = h.do(t, http.MethodPost, "/v1/payments/webhook", captured,
		map[string]string{"X-Signature": "valid"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignatureAndIgnoresUnknownFamilies(t *testing.T) {
	h := setupServer(t)

	rec := h.do(t, http.MethodPost, "/v1/payments/webhook",
		map[string]any{"EventID": "evt_1", "Type": "payment.captured"},
		map[string]string{"X-Signature": "forged"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/payments/webhook",
		map[string]any{"EventID": "evt_2", "Type": "order.paid"},
		map[string]string{"X-Signature": "valid"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefundRequiresCapturedPayment(t *testing.T) {
	h := setupServer(t)
	h.seedBillable(t)

	rec := h.do(t, http.MethodPost, "/v1/invoices/generate",
		map[string]any{"month": 1, "year": 2024}, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeBody(t, rec)["data"].(map[string]any)["id"].(string)
	rec = h.do(t, http.MethodPost, "/v1/invoices/"+invoiceID+"/finalize", nil, h.authed())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/payments/orders",
		map[string]any{"invoiceId": invoiceID}, h.authed())
	require.Equal(t, http.StatusCreated, rec.Code)
	paymentID := decodeBody(t, rec)["paymentId"].(string)

	rec = h.do(t, http.MethodPost, "/v1/payments/"+paymentID+"/refund",
		map[string]any{"reason": "requested_by_customer"}, h.authed())
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestHealthReportsOK(t *testing.T) {
	h := setupServer(t)
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestUnknownRouteIs404(t *testing.T) {
	h := setupServer(t)
	rec := h.do(t, http.MethodGet, "/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
