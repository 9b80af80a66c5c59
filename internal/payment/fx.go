package payment

import (
	"go.uber.org/fx"

	"github.com/meterbill/meterbill/internal/config"
	"github.com/meterbill/meterbill/internal/payment/adapters"
	"github.com/meterbill/meterbill/internal/payment/adapters/razorpay"
	paymentdomain "github.com/meterbill/meterbill/internal/payment/domain"
	"github.com/meterbill/meterbill/internal/payment/service"
)

// ProvideAdapter builds the configured gateway adapter from the
// registry of known providers.
func ProvideAdapter(cfg config.Config) (paymentdomain.PaymentAdapter, error) {
	registry := adapters.NewRegistry(razorpay.NewFactory())
	return registry.NewAdapter(cfg.GatewayProvider, paymentdomain.AdapterConfig{
		BaseURL:       cfg.GatewayBaseURL,
		KeyID:         cfg.GatewayKeyID,
		Secret:        cfg.GatewaySecret,
		WebhookSecret: cfg.GatewayWebhookSecret,
	})
}

var Module = fx.Module("payment.service",
	fx.Provide(ProvideAdapter),
	fx.Provide(service.New),
)
