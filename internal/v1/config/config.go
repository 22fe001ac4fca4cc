package config

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
)

// Config holds validated environment configuration
type Config struct {
	GoEnv           string `env:"GO_ENV" envDefault:"production"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	DevelopmentMode bool   `env:"DEVELOPMENT_MODE"`

	// Signaling backend. With Redis disabled sessions only live in-process.
	RedisEnabled  bool          `env:"REDIS_ENABLED"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// ICE
	STUNURLs     []string `env:"STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`
	TURNURL      string   `env:"TURN_URL"`
	TURNUsername string   `env:"TURN_USERNAME"`
	TURNPassword string   `env:"TURN_PASSWORD"`

	// Share links are built as <PublicOrigin>/screen-share?join=<id>
	PublicOrigin string `env:"PUBLIC_ORIGIN" envDefault:"http://localhost:8080"`

	// Observability server. Empty HTTP_PORT disables it.
	HTTPPort          string `env:"HTTP_PORT"`
	RateLimitHTTP     string `env:"RATE_LIMIT_HTTP" envDefault:"100-M"`
	OTelCollectorAddr string `env:"OTEL_COLLECTOR_ADDR"`
	OTelServiceName   string `env:"OTEL_SERVICE_NAME" envDefault:"screenshare"`
	OTelInsecure      bool   `env:"OTEL_INSECURE"` // plaintext gRPC to a local collector

	// Capture defaults
	CaptureWidth     int `env:"CAPTURE_WIDTH" envDefault:"1920"`
	CaptureHeight    int `env:"CAPTURE_HEIGHT" envDefault:"1080"`
	CaptureFrameRate int `env:"CAPTURE_FRAME_RATE" envDefault:"60"`
}

// ValidateEnv parses the process environment and validates it.
// Returns an error listing every invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment parsing failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is ValidateEnv over an explicit variable set instead of the process environment.
func Load(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("environment parsing failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	var errors []string

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of debug, info, warn, error (got '%s')", cfg.LogLevel))
	}

	if cfg.RedisEnabled && !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}

	if cfg.SessionTTL <= 0 {
		errors = append(errors, fmt.Sprintf("SESSION_TTL must be positive (got '%s')", cfg.SessionTTL))
	}

	for _, u := range cfg.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			errors = append(errors, fmt.Sprintf("STUN_URLS entries must start with 'stun:' or 'stuns:' (got '%s')", u))
		}
	}

	if cfg.TURNURL != "" {
		if !strings.HasPrefix(cfg.TURNURL, "turn:") && !strings.HasPrefix(cfg.TURNURL, "turns:") {
			errors = append(errors, fmt.Sprintf("TURN_URL must start with 'turn:' or 'turns:' (got '%s')", cfg.TURNURL))
		}
		if cfg.TURNUsername == "" || cfg.TURNPassword == "" {
			errors = append(errors, "TURN_USERNAME and TURN_PASSWORD are required when TURN_URL is set")
		}
	}

	if origin, err := url.Parse(cfg.PublicOrigin); err != nil || origin.Host == "" ||
		(origin.Scheme != "http" && origin.Scheme != "https") {
		errors = append(errors, fmt.Sprintf("PUBLIC_ORIGIN must be an absolute http(s) URL (got '%s')", cfg.PublicOrigin))
	}

	if cfg.HTTPPort != "" {
		port, err := strconv.Atoi(cfg.HTTPPort)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("HTTP_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.HTTPPort))
		}
	}

	if cfg.OTelCollectorAddr != "" && !isValidHostPort(cfg.OTelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTelCollectorAddr))
	}

	if cfg.RateLimitHTTP == "" {
		errors = append(errors, "RATE_LIMIT_HTTP cannot be empty")
	}

	if cfg.CaptureWidth <= 0 || cfg.CaptureHeight <= 0 {
		errors = append(errors, fmt.Sprintf("CAPTURE_WIDTH and CAPTURE_HEIGHT must be positive (got %dx%d)", cfg.CaptureWidth, cfg.CaptureHeight))
	}
	if cfg.CaptureFrameRate < 1 || cfg.CaptureFrameRate > 120 {
		errors = append(errors, fmt.Sprintf("CAPTURE_FRAME_RATE must be between 1 and 120 (got %d)", cfg.CaptureFrameRate))
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// LogValidated logs the configuration with secrets redacted.
// Call it after logging.Initialize so the configured level applies.
func (cfg *Config) LogValidated(ctx context.Context) {
	fields := []zap.Field{
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("development_mode", cfg.DevelopmentMode),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.Duration("session_ttl", cfg.SessionTTL),
		zap.Strings("stun_urls", cfg.STUNURLs),
		zap.String("public_origin", cfg.PublicOrigin),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("rate_limit_http", cfg.RateLimitHTTP),
	}
	if cfg.OTelCollectorAddr != "" {
		fields = append(fields, zap.String("otel_collector_addr", cfg.OTelCollectorAddr), zap.Bool("otel_insecure", cfg.OTelInsecure))
	}
	if cfg.RedisEnabled {
		fields = append(fields, zap.String("redis_addr", cfg.RedisAddr))
		if cfg.RedisPassword != "" {
			fields = append(fields, zap.String("redis_password", logging.RedactSecret(cfg.RedisPassword)))
		}
	}
	if cfg.TURNURL != "" {
		fields = append(fields,
			zap.String("turn_url", cfg.TURNURL),
			zap.String("turn_username", cfg.TURNUsername),
			zap.String("turn_password", logging.RedactSecret(cfg.TURNPassword)),
		)
	}
	logging.Info(ctx, "Environment configuration validated", fields...)
}
