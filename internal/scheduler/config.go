package scheduler

import (
	"strings"
	"time"

	"github.com/meterbill/meterbill/internal/config"
)

// Config controls scheduler cadences and job gating.
type Config struct {
	TickInterval time.Duration

	MigrationInterval      time.Duration
	CleanupInterval        time.Duration
	ReconciliationInterval time.Duration
	PaymentRetryInterval   time.Duration
	RateSyncInterval       time.Duration

	PaymentRetryEnabled bool
	FinalizeInvoices    bool
	HotRetentionDays    int

	// EnabledJobs empty means all jobs run (monolith mode).
	EnabledJobs []string

	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:           time.Minute,
		MigrationInterval:      5 * time.Minute,
		CleanupInterval:        24 * time.Hour,
		ReconciliationInterval: 24 * time.Hour,
		PaymentRetryInterval:   6 * time.Hour,
		RateSyncInterval:       24 * time.Hour,
		PaymentRetryEnabled:    true,
		FinalizeInvoices:       true,
		HotRetentionDays:       7,
		LockTTL:                10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.MigrationInterval <= 0 {
		c.MigrationInterval = defaults.MigrationInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
	if c.ReconciliationInterval <= 0 {
		c.ReconciliationInterval = defaults.ReconciliationInterval
	}
	if c.PaymentRetryInterval <= 0 {
		c.PaymentRetryInterval = defaults.PaymentRetryInterval
	}
	if c.RateSyncInterval <= 0 {
		c.RateSyncInterval = defaults.RateSyncInterval
	}
	if c.HotRetentionDays <= 0 {
		c.HotRetentionDays = defaults.HotRetentionDays
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

// ProvideConfig maps application configuration to scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	out := Config{
		TickInterval:        time.Duration(cfg.SchedulerTickSeconds) * time.Second,
		PaymentRetryEnabled: cfg.PaymentRetryEnabled,
		FinalizeInvoices:    cfg.InvoiceAutoFinalize,
		HotRetentionDays:    cfg.HotRetentionDays,
	}
	if jobs := strings.TrimSpace(cfg.SchedulerEnabledJobs); jobs != "" {
		for _, job := range strings.Split(jobs, ",") {
			if job = strings.TrimSpace(job); job != "" {
				out.EnabledJobs = append(out.EnabledJobs, job)
			}
		}
	}
	return out.withDefaults()
}
