// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/samber/oops"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 64 * 1024
	defaultSendBufferSize  = 256
	defaultRateBurst       = 20
	defaultRateInterval    = time.Second
	defaultMetricsAddr     = "127.0.0.1:9101"
	defaultLogFormat       = "json"
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// Burst frames are allowed per RefillInterval.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig

	// StampSenderIdentity overwrites directMessage.senderId with the
	// connection's user id.
	StampSenderIdentity bool

	// JWTSecret switches identity resolution from query parameters to
	// signed tokens when set.
	JWTSecret string
	JWTIssuer string

	// PublishToken enables POST /api/events when set.
	PublishToken string

	MetricsAddr     string
	LogFormat       string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// envConfig mirrors Config as environment variables. Pointer fields stay nil
// when the variable is unset so defaults survive.
type envConfig struct {
	Port                *string        `env:"SERVER_PORT"`
	AllowedOrigins      *string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize      *int64         `env:"MAX_MESSAGE_SIZE"`
	SendBufferSize      *int           `env:"SEND_BUFFER_SIZE"`
	RateLimitBurst      *int           `env:"RATE_LIMIT_BURST"`
	RateLimitInterval   *time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
	StampSenderIdentity *bool          `env:"STAMP_SENDER_IDENTITY"`
	JWTSecret           *string        `env:"JWT_SECRET"`
	JWTIssuer           *string        `env:"JWT_ISSUER"`
	PublishToken        *string        `env:"PUBLISH_TOKEN"`
	MetricsAddr         *string        `env:"METRICS_ADDR"`
	LogFormat           *string        `env:"LOG_FORMAT"`
	LogLevel            *string        `env:"LOG_LEVEL"`
	ShutdownTimeout     *time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: defaultMaxMessageSize,
		SendBufferSize: defaultSendBufferSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRateInterval,
		},
		StampSenderIdentity: true,
		MetricsAddr:         defaultMetricsAddr,
		LogFormat:           defaultLogFormat,
		LogLevel:            defaultLogLevel,
		ShutdownTimeout:     defaultShutdownTimeout,
	}
}

// NewConfigFromEnv creates a Config from defaults overlaid with environment
// variables.
func NewConfigFromEnv() (*Config, error) {
	var e envConfig
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return nil, oops.Code("INVALID_CONFIG").Wrapf(err, "read environment")
	}

	cfg := NewConfig()
	e.apply(cfg)
	sanitized := cfg.Sanitize()
	return &sanitized, nil
}

func (e envConfig) apply(cfg *Config) {
	setIf(&cfg.Port, e.Port)
	if e.AllowedOrigins != nil {
		cfg.AllowedOrigins = ParseOrigins(*e.AllowedOrigins)
	}
	setIf(&cfg.MaxMessageSize, e.MaxMessageSize)
	setIf(&cfg.SendBufferSize, e.SendBufferSize)
	setIf(&cfg.RateLimit.Burst, e.RateLimitBurst)
	setIf(&cfg.RateLimit.RefillInterval, e.RateLimitInterval)
	setIf(&cfg.StampSenderIdentity, e.StampSenderIdentity)
	setIf(&cfg.JWTSecret, e.JWTSecret)
	setIf(&cfg.JWTIssuer, e.JWTIssuer)
	setIf(&cfg.PublishToken, e.PublishToken)
	setIf(&cfg.MetricsAddr, e.MetricsAddr)
	setIf(&cfg.LogFormat, e.LogFormat)
	setIf(&cfg.LogLevel, e.LogLevel)
	setIf(&cfg.ShutdownTimeout, e.ShutdownTimeout)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Sanitize returns a copy of the config with invalid values replaced by
// defaults and origins normalized.
func (c Config) Sanitize() Config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBufferSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRateInterval
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		c.LogFormat = defaultLogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			origins = append(origins, trimmed)
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			origins = append(origins, normalized)
		}
	}
	c.AllowedOrigins = origins
	return c
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
