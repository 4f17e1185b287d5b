package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	DefaultZone    string        `mapstructure:"DEFAULT_TIME_ZONE"`
	ViewStartHour  int           `mapstructure:"VIEW_START_HOUR"`
	ViewEndHour    int           `mapstructure:"VIEW_END_HOUR"`
	ChangeSource   string        `mapstructure:"CHANGE_SOURCE"`
	ChangeChannel  string        `mapstructure:"CHANGE_CHANNEL"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPExchange   string        `mapstructure:"AMQP_EXCHANGE"`
	AMQPQueue      string        `mapstructure:"AMQP_QUEUE"`
	AMQPBinding    string        `mapstructure:"AMQP_BINDING"`
	DedupWindow    time.Duration `mapstructure:"DEDUP_WINDOW"`
	DedupCapacity  int           `mapstructure:"DEDUP_CAPACITY"`
	LiveWeeks      int           `mapstructure:"LIVE_WEEK_CAPACITY"`
	ClientNameTTL  time.Duration `mapstructure:"CLIENT_NAME_TTL"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "DEFAULT_TIME_ZONE", "VIEW_START_HOUR", "VIEW_END_HOUR",
	"CHANGE_SOURCE", "CHANGE_CHANNEL", "AMQP_URL", "AMQP_EXCHANGE", "AMQP_QUEUE",
	"AMQP_BINDING", "DEDUP_WINDOW", "DEDUP_CAPACITY", "LIVE_WEEK_CAPACITY", "CLIENT_NAME_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_TIME_ZONE", "America/Chicago")
	v.SetDefault("VIEW_START_HOUR", 7)
	v.SetDefault("VIEW_END_HOUR", 19)
	v.SetDefault("CHANGE_SOURCE", "postgres")
	v.SetDefault("CHANGE_CHANNEL", "weekview_changes")
	v.SetDefault("AMQP_EXCHANGE", "portal.changes")
	v.SetDefault("AMQP_BINDING", "weekview.#")
	v.SetDefault("DEDUP_WINDOW", "3s")
	v.SetDefault("DEDUP_CAPACITY", 1024)
	v.SetDefault("LIVE_WEEK_CAPACITY", 256)
	v.SetDefault("CLIENT_NAME_TTL", "10m")

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

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development      → "development" (no auth, all requests get admin)
//   - AUTH_SIGNING_KEY set → "hmac" (shared-secret tokens from the portal front end)
//   - Otherwise            → "external" (OIDC issuer / JWKS)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthSigningKey != "" {
		return "hmac"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	case "hmac":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters for AUTH_MODE \"hmac\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"hmac\", or \"external\", got %q", mode)
	}

	if c.ViewStartHour < 0 || c.ViewEndHour > 23 || c.ViewStartHour >= c.ViewEndHour {
		return fmt.Errorf("VIEW_START_HOUR and VIEW_END_HOUR must satisfy 0 <= start < end <= 23, got %d-%d",
			c.ViewStartHour, c.ViewEndHour)
	}
	if _, err := time.LoadLocation(c.DefaultZone); err != nil || c.DefaultZone == "" || c.DefaultZone == "Local" {
		return fmt.Errorf("DEFAULT_TIME_ZONE %q is not a valid IANA zone", c.DefaultZone)
	}

	switch c.ChangeSource {
	case "postgres", "none":
	case "amqp":
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when CHANGE_SOURCE is \"amqp\"")
		}
	default:
		return fmt.Errorf("CHANGE_SOURCE must be \"postgres\", \"amqp\", or \"none\", got %q", c.ChangeSource)
	}

	if c.DedupWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW must be positive, got %s", c.DedupWindow)
	}
	if c.DedupCapacity <= 0 || c.LiveWeeks <= 0 {
		return fmt.Errorf("DEDUP_CAPACITY and LIVE_WEEK_CAPACITY must be positive")
	}

	return nil
}
