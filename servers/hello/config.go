package hello

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config configures the hello server. Every field can be set from the environment, defaults are
// given in the struct tags.
type Config struct {
	// Host to listen on. ENV: HOST
	Host string `env:"HOST"`
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// BaseURL is prefixed to the message endpoint announced to clients, for deployments behind a
	// proxy. Empty announces a path relative to the stream URL. ENV: BASE_URL
	BaseURL string `env:"BASE_URL"`

	SSEPath     string `env:"SSE_PATH,default=/sse"`
	MessagePath string `env:"MESSAGE_PATH,default=/messages"`
	HealthPath  string `env:"HEALTH_PATH,default=/health"`
	// MetricsPath serves Prometheus metrics, empty disables the endpoint. ENV: METRICS_PATH
	MetricsPath string `env:"METRICS_PATH,default=/metrics"`

	// IdleTimeout closes sessions that post nothing for this long, zero disables it.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT,default=0s"`
	// KeepAliveInterval sends a comment on idle streams to detect dead peers, zero disables it.
	KeepAliveInterval time.Duration `env:"KEEP_ALIVE_INTERVAL,default=15s"`
	// SendTimeout bounds each response write, zero leaves writes unbounded.
	SendTimeout time.Duration `env:"SEND_TIMEOUT,default=30s"`
	// MaxMessageSize limits posted message bodies in bytes, zero keeps the 4 MiB default.
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE,default=4194304"`

	// LogLevel is one of debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is json or text. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// CORSAllowedOrigins is a semicolon separated list, "*" allows every origin.
	// ENV: CORS_ALLOWED_ORIGINS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
}

// Log formats accepted in Config.LogFormat.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// LoadConfig reads Config from the environment and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	// Strict decoding reports malformed values instead of silently keeping the zero value.
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr returns the address to listen on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MessageURL returns the endpoint announced in the first event of every stream.
func (c Config) MessageURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.MessagePath
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	for name, path := range map[string]string{
		"sse path":     c.SSEPath,
		"message path": c.MessagePath,
		"health path":  c.HealthPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("invalid %s %q: must start with /", name, path)
		}
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("invalid metrics path %q: must start with /", c.MetricsPath)
	}
	if c.IdleTimeout < 0 || c.KeepAliveInterval < 0 || c.SendTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("invalid max message size %d", c.MaxMessageSize)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}
