package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL      string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DefaultSystem    string        `mapstructure:"DEFAULT_SYSTEM"`
	SystemsDir       string        `mapstructure:"SYSTEMS_DIR"`
	ImportPreviewTTL time.Duration `mapstructure:"IMPORT_PREVIEW_TTL"`
	ImportMaxUpload  string        `mapstructure:"IMPORT_MAX_UPLOAD"`
	ArchiveBucket    string        `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveEndpoint  string        `mapstructure:"ARCHIVE_ENDPOINT"`
	KafkaBrokers     string        `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic       string        `mapstructure:"KAFKA_TOPIC"`
	WebhookURL       string        `mapstructure:"IMPORT_WEBHOOK_URL"`
	WebhookSecret    string        `mapstructure:"IMPORT_WEBHOOK_SECRET"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"DEFAULT_SYSTEM", "SYSTEMS_DIR", "IMPORT_PREVIEW_TTL", "IMPORT_MAX_UPLOAD",
	"ARCHIVE_BUCKET", "ARCHIVE_ENDPOINT", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"IMPORT_WEBHOOK_URL", "IMPORT_WEBHOOK_SECRET",
}

// Load reads configuration from .env and the environment. DATABASE_URL is
// only required when requireDB is set; commands such as `systems list`
// never touch the database.
func Load(requireDB bool) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEFAULT_SYSTEM", "hill")
	v.SetDefault("IMPORT_PREVIEW_TTL", "30m")
	v.SetDefault("IMPORT_MAX_UPLOAD", "10M")
	v.SetDefault("KAFKA_TOPIC", "quality-tracker.imports")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if requireDB && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// some way of verifying tokens must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and testing only; set AUTH_ISSUER in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ImportPreviewTTL <= 0 {
		return fmt.Errorf("IMPORT_PREVIEW_TTL must be positive, got %s", c.ImportPreviewTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if strings.TrimSpace(c.DefaultSystem) == "" {
		return fmt.Errorf("DEFAULT_SYSTEM must not be empty")
	}
	if c.ArchiveEndpoint != "" && c.ArchiveBucket == "" {
		return fmt.Errorf("ARCHIVE_ENDPOINT requires ARCHIVE_BUCKET")
	}
	if c.WebhookSecret != "" && c.WebhookURL == "" {
		return fmt.Errorf("IMPORT_WEBHOOK_SECRET requires IMPORT_WEBHOOK_URL")
	}
	return nil
}
