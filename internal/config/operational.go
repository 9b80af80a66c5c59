package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// OperationalConfig carries the tunables operators adjust without a restart:
// payment retry shaping, reconciliation tolerances, and the pinned exchange
// rates the daily sync job publishes into the rates table.
type OperationalConfig struct {
	PaymentRetry   PaymentRetryConfig   `mapstructure:"paymentRetry"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	PinnedRates    []PinnedRate         `mapstructure:"pinnedRates"`
}

type PaymentRetryConfig struct {
	MaxRetries        int     `mapstructure:"maxRetries"`
	BaseIntervalHours int     `mapstructure:"baseIntervalHours"`
	JitterFraction    float64 `mapstructure:"jitterFraction"`
}

type ReconciliationConfig struct {
	VarianceThresholdPercent float64 `mapstructure:"varianceThresholdPercent"`
}

type PinnedRate struct {
	Base   string `mapstructure:"base"`
	Target string `mapstructure:"target"`
	Rate   string `mapstructure:"rate"`
}

func DefaultOperationalConfig() OperationalConfig {
	return OperationalConfig{
		PaymentRetry: PaymentRetryConfig{
			MaxRetries:        3,
			BaseIntervalHours: 24,
			JitterFraction:    0.3,
		},
		Reconciliation: ReconciliationConfig{
			VarianceThresholdPercent: 0.5,
		},
	}
}

// OperationalConfigHolder exposes the current OperationalConfig and swaps it
// atomically when the file changes on disk.
type OperationalConfigHolder struct {
	current atomic.Value // holds OperationalConfig
}

func NewOperationalConfigHolder() (*OperationalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("meterbill")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterbill/config")
	v.AddConfigPath("/etc/meterbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultOperationalConfig()
		v.SetDefault("operational.paymentRetry", defaults.PaymentRetry)
		v.SetDefault("operational.reconciliation", defaults.Reconciliation)
	}

	var cfg OperationalConfig
	if err := v.UnmarshalKey("operational", &cfg); err != nil {
		return nil, err
	}
	applyOperationalDefaults(&cfg)
	if err := validateOperationalConfig(cfg); err != nil {
		return nil, err
	}

	holder := &OperationalConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated OperationalConfig
		if err := v.UnmarshalKey("operational", &updated); err != nil {
			log.Printf("[operational-config] reload failed: %v", err)
			return
		}
		applyOperationalDefaults(&updated)
		if err := validateOperationalConfig(updated); err != nil {
			log.Printf("[operational-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[operational-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *OperationalConfigHolder) Get() OperationalConfig {
	return h.current.Load().(OperationalConfig)
}

func applyOperationalDefaults(cfg *OperationalConfig) {
	defaults := DefaultOperationalConfig()
	if cfg.PaymentRetry.MaxRetries <= 0 {
		cfg.PaymentRetry.MaxRetries = defaults.PaymentRetry.MaxRetries
	}
	if cfg.PaymentRetry.BaseIntervalHours <= 0 {
		cfg.PaymentRetry.BaseIntervalHours = defaults.PaymentRetry.BaseIntervalHours
	}
	if cfg.PaymentRetry.JitterFraction <= 0 {
		cfg.PaymentRetry.JitterFraction = defaults.PaymentRetry.JitterFraction
	}
	if cfg.Reconciliation.VarianceThresholdPercent <= 0 {
		cfg.Reconciliation.VarianceThresholdPercent = defaults.Reconciliation.VarianceThresholdPercent
	}
}

func validateOperationalConfig(cfg OperationalConfig) error {
	if cfg.PaymentRetry.JitterFraction < 0 || cfg.PaymentRetry.JitterFraction > 1 {
		return errors.New("operational.paymentRetry.jitterFraction must be within [0,1]")
	}
	for _, pinned := range cfg.PinnedRates {
		if strings.TrimSpace(pinned.Base) == "" || strings.TrimSpace(pinned.Target) == "" {
			return errors.New("operational.pinnedRates entries need base and target")
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(pinned.Rate))
		if err != nil {
			return fmt.Errorf("operational.pinnedRates %s/%s: %w", pinned.Base, pinned.Target, err)
		}
		if !rate.IsPositive() {
			return fmt.Errorf("operational.pinnedRates %s/%s: rate must be positive", pinned.Base, pinned.Target)
		}
	}
	return nil
}
