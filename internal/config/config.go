// Package config loads process configuration from the environment, with an
// optional database-backed override layer for feature gates.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-configured option the HTTP surface needs plus
// the ambient options needed to run the service (HTTP address, logging,
// tick cadence).
type Config struct {
	// Ambient
	DataDir   string
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	// Database
	DatabaseURL string

	// CORS
	CORSAllowOrigins []string

	// Feature gates
	PilotDevMode        bool
	AllowBusinessDelete bool
	ClarityDevTools     bool
	DevIntegrationOps   bool
	DevProcessingOps    bool

	// Plaid integration
	PlaidClientID              string
	PlaidSecret                string
	PlaidEnv                   string
	PlaidBaseURL               string
	PlaidWebhookURL            string
	PlaidAllowPlaintextTokens  bool
	PlaidUseStub               bool
	PlaidWebhookVerifyDisabled bool

	// Tick scheduling
	TickCron              string
	TickBucketGranularity string // "daily" or "hourly"
	PulseCooldown         time.Duration

	// Audit archival (S3/R2)
	AuditArchiveBucket          string
	AuditArchiveEndpoint        string
	AuditArchiveRegion          string
	AuditArchiveAccessKeyID     string
	AuditArchiveSecretAccessKey string
	AuditArchiveRetentionDays   int
}

// Load reads configuration from the environment (optionally loading a .env
// file first) and applies defaults. dataDirOverride, if given, wins over
// DATA_DIR.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	}

	cfg := &Config{
		DataDir:   dataDir,
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		DatabaseURL: getEnv("DATABASE_URL", dataDir+"/finpulse.db"),

		CORSAllowOrigins: getEnvAsList("CORS_ALLOW_ORIGINS", []string{"*"}),

		PilotDevMode:        getEnvAsBool("PILOT_DEV_MODE", false),
		AllowBusinessDelete: getEnvAsBool("ALLOW_BUSINESS_DELETE", false),
		ClarityDevTools:     getEnvAsBool("CLARITY_DEV_TOOLS", false),
		DevIntegrationOps:   getEnvAsBool("DEV_INTEGRATION_OPS", false),
		DevProcessingOps:    getEnvAsBool("DEV_PROCESSING_OPS", false),

		PlaidClientID:              getEnv("PLAID_CLIENT_ID", ""),
		PlaidSecret:                getEnv("PLAID_SECRET", ""),
		PlaidEnv:                   getEnv("PLAID_ENV", "sandbox"),
		PlaidBaseURL:               getEnv("PLAID_BASE_URL", ""),
		PlaidWebhookURL:            getEnv("PLAID_WEBHOOK_URL", ""),
		PlaidAllowPlaintextTokens:  getEnvAsBool("PLAID_ALLOW_PLAINTEXT_TOKENS", false),
		PlaidUseStub:               getEnvAsBool("PLAID_USE_STUB", true),
		PlaidWebhookVerifyDisabled: getEnvAsBool("PLAID_WEBHOOK_VERIFY_DISABLED", false),

		TickCron:              getEnv("TICK_CRON", "*/5 * * * *"),
		TickBucketGranularity: getEnv("TICK_BUCKET_GRANULARITY", "daily"),
		PulseCooldown:         getEnvAsDuration("PULSE_COOLDOWN", 10*time.Minute),

		AuditArchiveBucket:          getEnv("AUDIT_ARCHIVE_BUCKET", ""),
		AuditArchiveEndpoint:        getEnv("AUDIT_ARCHIVE_ENDPOINT", ""),
		AuditArchiveRegion:          getEnv("AUDIT_ARCHIVE_REGION", "auto"),
		AuditArchiveAccessKeyID:     getEnv("AUDIT_ARCHIVE_ACCESS_KEY_ID", ""),
		AuditArchiveSecretAccessKey: getEnv("AUDIT_ARCHIVE_SECRET_ACCESS_KEY", ""),
		AuditArchiveRetentionDays:   getEnvAsInt("AUDIT_ARCHIVE_RETENTION_DAYS", 90),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that would otherwise fail deep inside an
// engine with a confusing error.
func (c *Config) Validate() error {
	switch c.PlaidEnv {
	case "sandbox", "development", "production":
	default:
		return fmt.Errorf("invalid PLAID_ENV %q", c.PlaidEnv)
	}

	switch c.TickBucketGranularity {
	case "daily", "hourly":
	default:
		return fmt.Errorf("invalid TICK_BUCKET_GRANULARITY %q", c.TickBucketGranularity)
	}

	return nil
}

// SettingsReader is the narrow interface Config needs from the settings
// repository; kept separate from any concrete repository type to avoid an
// import cycle, the same way the scheduler package narrows its dependencies.
type SettingsReader interface {
	GetSetting(key string) (value string, ok bool)
}

// UpdateFromSettings overlays settings-table values atop env-derived
// defaults, letting operators flip feature gates from the database without
// a redeploy.
func (c *Config) UpdateFromSettings(settingsRepo SettingsReader) error {
	if settingsRepo == nil {
		return nil
	}
	if v, ok := settingsRepo.GetSetting("pilot_dev_mode"); ok {
		c.PilotDevMode = parseBool(v, c.PilotDevMode)
	}
	if v, ok := settingsRepo.GetSetting("allow_business_delete"); ok {
		c.AllowBusinessDelete = parseBool(v, c.AllowBusinessDelete)
	}
	if v, ok := settingsRepo.GetSetting("clarity_dev_tools"); ok {
		c.ClarityDevTools = parseBool(v, c.ClarityDevTools)
	}
	if v, ok := settingsRepo.GetSetting("tick_cron"); ok && v != "" {
		c.TickCron = v
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return parseBool(v, fallback)
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvAsInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvAsList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
