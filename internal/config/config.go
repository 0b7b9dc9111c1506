package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RegistryFile string `mapstructure:"REGISTRY_FILE"`

	GapThreshold          time.Duration `mapstructure:"GAP_THRESHOLD"`
	HighSeverityGap       time.Duration `mapstructure:"HIGH_SEVERITY_GAP"`
	MaxHighViolations     int           `mapstructure:"MAX_HIGH_VIOLATIONS"`
	MalformedEventPenalty float64       `mapstructure:"MALFORMED_EVENT_PENALTY"`

	ReportTimeout     time.Duration `mapstructure:"REPORT_TIMEOUT"`
	ReportConcurrency int           `mapstructure:"REPORT_CONCURRENCY"`
	StreamBuffer      int           `mapstructure:"STREAM_BUFFER"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "REGISTRY_FILE",
	"GAP_THRESHOLD", "HIGH_SEVERITY_GAP", "MAX_HIGH_VIOLATIONS", "MALFORMED_EVENT_PENALTY",
	"REPORT_TIMEOUT", "REPORT_CONCURRENCY", "STREAM_BUFFER", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_AUDIENCE", "custody-api")
	v.SetDefault("GAP_THRESHOLD", "30m")
	v.SetDefault("HIGH_SEVERITY_GAP", "2h")
	v.SetDefault("MAX_HIGH_VIOLATIONS", 2)
	v.SetDefault("MALFORMED_EVENT_PENALTY", 10)
	v.SetDefault("REPORT_TIMEOUT", "30s")
	v.SetDefault("REPORT_CONCURRENCY", 8)
	v.SetDefault("STREAM_BUFFER", 256)
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether the server runs without PostgreSQL.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key is mandatory and production additionally requires a database.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be \"development\", \"staging\", or \"production\", got %q", c.Env)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.IsProduction() && c.UsesMemoryStore() {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.GapThreshold <= 0 {
		return fmt.Errorf("GAP_THRESHOLD must be positive, got %s", c.GapThreshold)
	}
	if c.HighSeverityGap <= c.GapThreshold {
		return fmt.Errorf("HIGH_SEVERITY_GAP (%s) must exceed GAP_THRESHOLD (%s)", c.HighSeverityGap, c.GapThreshold)
	}
	if c.MaxHighViolations < 0 {
		return fmt.Errorf("MAX_HIGH_VIOLATIONS must not be negative, got %d", c.MaxHighViolations)
	}
	if c.MalformedEventPenalty < 0 || c.MalformedEventPenalty > 100 {
		return fmt.Errorf("MALFORMED_EVENT_PENALTY must be within [0,100], got %g", c.MalformedEventPenalty)
	}

	if c.ReportTimeout <= 0 {
		return fmt.Errorf("REPORT_TIMEOUT must be positive, got %s", c.ReportTimeout)
	}
	if c.ReportConcurrency < 1 {
		return fmt.Errorf("REPORT_CONCURRENCY must be at least 1, got %d", c.ReportConcurrency)
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("STREAM_BUFFER must be at least 1, got %d", c.StreamBuffer)
	}
	return nil
}
