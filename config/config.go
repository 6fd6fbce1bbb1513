package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN   string
	RunMigrations bool // default: true

	// Cache
	RedisAddr string

	// Logging
	LogLevel string // debug, info, warn, error; default: info

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Reporting API
	ReportingRateLimitRPM int    // requests per minute per API key, default: 120
	SeedAPIKey            string // created at startup when set

	// Pricing
	PricingFile string // optional YAML overlay on the built-in table

	// Purchases
	PurchaseSellerID    string
	PurchaseCheckSeller bool // default: true

	// Usage dispatch
	UsageQueueSize     int           // default: 1024
	UsageWorkers       int           // default: 4
	UsageRecordTimeout time.Duration // default: 5s
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		SeedAPIKey:           os.Getenv("SEED_API_KEY"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		PurchaseSellerID:     os.Getenv("PURCHASE_SELLER_ID"),
	}

	var err error
	if cfg.RunMigrations, err = parseBool("RUN_MIGRATIONS", "true"); err != nil {
		return nil, err
	}
	if cfg.PurchaseCheckSeller, err = parseBool("PURCHASE_CHECK_SELLER", "true"); err != nil {
		return nil, err
	}
	if cfg.ReportingRateLimitRPM, err = parsePositiveInt("REPORTING_RATE_LIMIT_RPM", "120"); err != nil {
		return nil, err
	}
	if cfg.UsageQueueSize, err = parsePositiveInt("USAGE_QUEUE_SIZE", "1024"); err != nil {
		return nil, err
	}
	if cfg.UsageWorkers, err = parsePositiveInt("USAGE_WORKERS", "4"); err != nil {
		return nil, err
	}
	cfg.UsageRecordTimeout, err = time.ParseDuration(getEnv("USAGE_RECORD_TIMEOUT", "5s"))
	if err != nil || cfg.UsageRecordTimeout <= 0 {
		return nil, fmt.Errorf("invalid USAGE_RECORD_TIMEOUT: must be a positive duration")
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.PurchaseCheckSeller && cfg.PurchaseSellerID == "" {
		return nil, fmt.Errorf("PURCHASE_SELLER_ID is required when PURCHASE_CHECK_SELLER is enabled")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseBool(key, fallback string) (bool, error) {
	v, err := strconv.ParseBool(getEnv(key, fallback))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parsePositiveInt(key, fallback string) (int, error) {
	v, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return v, nil
}
