package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string

	HTTPPort string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MigrationBatchSize  int
	MigrationMaxBatches int
	HotRetentionDays    int

	PaymentRetryEnabled    bool
	PaymentRetryMaxRetries int
	PaymentRetryBaseHours  int

	DefaultCurrency string

	GatewayProvider      string
	GatewayBaseURL       string
	GatewayKeyID         string
	GatewaySecret        string
	GatewayWebhookSecret string
	GatewayCurrency      string

	InvoiceAutoFinalize bool
	SeedDemoData        bool

	SchedulerTickSeconds int
	SchedulerEnabledJobs string

	SnowflakeNodeID int64

	Cloud CloudConfig
}

type CloudConfig struct {
	Metrics CloudMetricsConfig
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeOSS))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "meterbill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Mode:        mode,
		Environment: environment,

		HTTPPort: getenv("PORT", "8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_MINUTES", 10),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		MigrationBatchSize:  getenvInt("MIGRATION_BATCH_SIZE", 1000),
		MigrationMaxBatches: getenvInt("MIGRATION_MAX_BATCHES", 10),
		HotRetentionDays:    getenvInt("D1_RETENTION_DAYS", 7),

		PaymentRetryEnabled:    getenvBool("PAYMENT_RETRY_ENABLED", true),
		PaymentRetryMaxRetries: getenvInt("PAYMENT_RETRY_MAX_RETRIES", 3),
		PaymentRetryBaseHours:  getenvInt("PAYMENT_RETRY_BASE_INTERVAL_HOURS", 24),

		DefaultCurrency: strings.ToUpper(getenv("DEFAULT_CURRENCY", "INR")),

		GatewayProvider:      strings.ToLower(getenv("GATEWAY_PROVIDER", "razorpay")),
		GatewayBaseURL:       strings.TrimRight(getenv("GATEWAY_BASE_URL", "https://api.razorpay.com"), "/"),
		GatewayKeyID:         strings.TrimSpace(getenv("GATEWAY_KEY_ID", "")),
		GatewaySecret:        strings.TrimSpace(getenv("GATEWAY_SECRET", "")),
		GatewayWebhookSecret: strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),
		GatewayCurrency:      strings.ToUpper(getenv("GATEWAY_CURRENCY", "INR")),

		InvoiceAutoFinalize: getenvBool("INVOICE_AUTO_FINALIZE", true),
		SeedDemoData:        getenvBool("SEED_DEMO_DATA", false),

		SchedulerTickSeconds: getenvInt("SCHEDULER_TICK_INTERVAL_SECONDS", 60),
		SchedulerEnabledJobs: strings.TrimSpace(getenv("SCHEDULER_ENABLED_JOBS", "")),

		SnowflakeNodeID: getenvInt64("SNOWFLAKE_NODE_ID", 1),

		Cloud: CloudConfig{
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", false),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},
	}

	return cfg
}

const (
	ModeOSS        = "oss"
	ModeCloud      = "cloud"
	ModeStandalone = "standalone"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	case ModeStandalone, ModeOSS:
		return ModeOSS
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
