// Package config loads the service configuration from the environment.
// All settings are read once at startup into a typed struct and validated;
// no component reads environment variables at use sites.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the reconciliation service.
type Config struct {
	// Ledger service connection.
	LedgerURL    string
	LedgerAPIKey string
	LedgerBudget string

	// Accounting export endpoint.
	ExportURL   string
	ExportToken string

	// State snapshot location. A plain path selects the file store,
	// a gs:// URI selects the GCS store.
	StatePath string

	// Run behaviour.
	LookbackDays    int
	BatchSize       int
	MaxAttempts     int
	ConnectAttempts int
	SubmitPacing    time.Duration
	DryRun          bool

	// Idempotency markers written into transaction notes.
	MarkerSubmitted string
	MarkerPaid      string

	// Category group holding business-expense categories.
	BusinessGroup string

	// Minor-unit exponent of the ledger currency (2 for cents).
	CurrencyExponent int

	// RunInterval enables the built-in scheduler when non-zero.
	RunInterval time.Duration

	// HTTP API.
	Port string

	// Home Assistant status sensor (optional).
	HassURL    string
	HassToken  string
	HassEntity string

	LogLevel string
}

// Load reads configuration from a .env file (if present) and the environment,
// applies defaults and validates the result.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads configuration without validating it, for callers that apply
// command-line overrides before calling Validate themselves.
func Parse() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	cfg := &Config{
		LedgerURL:        getEnv("LEDGER_URL", ""),
		LedgerAPIKey:     getEnv("LEDGER_API_KEY", ""),
		LedgerBudget:     getEnv("LEDGER_BUDGET", ""),
		ExportURL:        getEnv("EXPORT_URL", ""),
		ExportToken:      getEnv("EXPORT_TOKEN", ""),
		StatePath:        getEnv("STATE_PATH", "state.json"),
		MarkerSubmitted:  getEnv("MARKER_SUBMITTED", "[exported]"),
		MarkerPaid:       getEnv("MARKER_PAID", "[paid]"),
		BusinessGroup:    getEnv("BUSINESS_GROUP", "Business Expenses"),
		Port:             getEnv("PORT", "8080"),
		HassURL:          getEnv("HASS_URL", ""),
		HassToken:        getEnv("HASS_TOKEN", ""),
		HassEntity:       getEnv("HASS_ENTITY", "expense_reconciler"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LookbackDays:     30,
		BatchSize:        50,
		MaxAttempts:      3,
		ConnectAttempts:  3,
		CurrencyExponent: 2,
		SubmitPacing:     250 * time.Millisecond,
	}

	var err error
	if cfg.LookbackDays, err = getEnvInt("LOOKBACK_DAYS", cfg.LookbackDays); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getEnvInt("BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getEnvInt("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.ConnectAttempts, err = getEnvInt("CONNECT_ATTEMPTS", cfg.ConnectAttempts); err != nil {
		return nil, err
	}
	if cfg.CurrencyExponent, err = getEnvInt("CURRENCY_EXPONENT", cfg.CurrencyExponent); err != nil {
		return nil, err
	}
	if cfg.SubmitPacing, err = getEnvDuration("SUBMIT_PACING", cfg.SubmitPacing); err != nil {
		return nil, err
	}
	if cfg.RunInterval, err = getEnvDuration("RUN_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.DryRun, err = getEnvBool("DRY_RUN", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required settings and numeric bounds.
func (c *Config) Validate() error {
	if c.LedgerURL == "" {
		return fmt.Errorf("config: LEDGER_URL is required")
	}
	if c.LedgerBudget == "" {
		return fmt.Errorf("config: LEDGER_BUDGET is required")
	}
	if !c.DryRun {
		if c.ExportURL == "" {
			return fmt.Errorf("config: EXPORT_URL is required unless DRY_RUN is set")
		}
		if c.ExportToken == "" {
			return fmt.Errorf("config: EXPORT_TOKEN is required unless DRY_RUN is set")
		}
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("config: LOOKBACK_DAYS must be positive, got %d", c.LookbackDays)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("config: CONNECT_ATTEMPTS must be positive, got %d", c.ConnectAttempts)
	}
	if c.CurrencyExponent < 0 {
		return fmt.Errorf("config: CURRENCY_EXPONENT must be non-negative, got %d", c.CurrencyExponent)
	}
	if c.SubmitPacing < 0 {
		return fmt.Errorf("config: SUBMIT_PACING must be non-negative, got %s", c.SubmitPacing)
	}
	if c.MarkerSubmitted == "" || c.MarkerPaid == "" {
		return fmt.Errorf("config: idempotency markers must be non-empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
