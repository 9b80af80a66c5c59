// Package server exposes the billing pipeline over HTTP: usage
// ingestion, payment orders and webhooks, refunds and the invoice
// surface. Every route except the webhook and health endpoints is
// authenticated with a project API key.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	invoicedomain "github.com/meterbill/meterbill/internal/invoice/domain"
	"github.com/meterbill/meterbill/internal/observability"
	obsmiddleware "github.com/meterbill/meterbill/internal/observability/logger"
	obsmetrics "github.com/meterbill/meterbill/internal/observability/metrics"
	obstracing "github.com/meterbill/meterbill/internal/observability/tracing"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	projectdomain "github.com/meterbill/meterbill/internal/project/domain"
	usagedomain "github.com/meterbill/meterbill/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.HTTPPort),
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock

	projectSvc projectdomain.Service
	usageSvc   usagedomain.Service
	invoiceSvc invoicedomain.Service
	paymentSvc paymentdomain.Service
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock

	ProjectSvc projectdomain.Service
	UsageSvc   usagedomain.Service
	InvoiceSvc invoicedomain.Service
	PaymentSvc paymentdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		clock:      p.Clock,
		projectSvc: p.ProjectSvc,
		usageSvc:   p.UsageSvc,
		invoiceSvc: p.InvoiceSvc,
		paymentSvc: p.PaymentSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1")

	v1.POST("/usage/events",
		s.APIKeyRequired(projectdomain.ScopeUsageWrite), s.IngestUsage)

	payments := v1.Group("/payments")
	// The webhook authenticates itself with the gateway signature.
	payments.POST("/webhook", s.HandlePaymentWebhook)
	payments.POST("/orders",
		s.APIKeyRequired(projectdomain.ScopeBillingManage), s.CreatePaymentOrder)
	payments.POST("/:id/refund",
		s.APIKeyRequired(projectdomain.ScopeBillingManage), s.RefundPayment)

	invoices := v1.Group("/invoices", s.APIKeyRequired(projectdomain.ScopeBillingManage))
	invoices.POST("/generate", s.GenerateInvoice)
	invoices.POST("/:id/finalize", s.FinalizeInvoice)
	invoices.GET("/:id", s.GetInvoiceByID)
	invoices.GET("", s.ListInvoices)
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
