package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ticket  TicketConfig  `yaml:"ticket"`
	Mail    MailConfig    `yaml:"mail"`
	Captcha CaptchaConfig `yaml:"captcha"`
	Storage StorageConfig `yaml:"storage"`
	Async   AsyncConfig   `yaml:"async"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Default: :8080
	BaseURL    string `yaml:"base_url"`    // Public URL used in rendered links
}

// TicketConfig contains capability-token settings
type TicketConfig struct {
	Key    string        `yaml:"key"`    // 32-byte hex-encoded cipher key
	Window time.Duration `yaml:"window"` // Validity window, default 120h (5 days)
}

// MailConfig contains outbound confirmation-mail settings
type MailConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Smarthost string        `yaml:"smarthost"` // host:port of the relay
	From      string        `yaml:"from"`
	Username  string        `yaml:"username,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	Timeout   time.Duration `yaml:"timeout"` // Default: 30s
}

// CaptchaConfig contains CAPTCHA provider settings.
// Gating is active only when both keys are present.
type CaptchaConfig struct {
	SiteKey   string        `yaml:"site_key,omitempty"`
	SecretKey string        `yaml:"secret_key,omitempty"`
	VerifyURL string        `yaml:"verify_url,omitempty"`
	Timeout   time.Duration `yaml:"timeout"` // Default: 10s
}

// StorageConfig contains paths for the persistent stores
type StorageConfig struct {
	ListsPath   string `yaml:"lists_path"`    // bbolt file for block/white/trap lists
	QueryDBPath string `yaml:"query_db_path"` // sqlite file for query records
}

// AsyncConfig bounds the background producer pool
type AsyncConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`      // Default: 16
	ProducerTimeout time.Duration `yaml:"producer_timeout"` // Default: 60s
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IPs/CIDRs allowed to scrape
}

// DefaultTicketWindow is the reference validity window for issued tickets.
const DefaultTicketWindow = 120 * time.Hour

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the file
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MAILGATE_TICKET_KEY"); v != "" {
		c.Ticket.Key = v
	}
	if v := os.Getenv("MAILGATE_MAIL_PASSWORD"); v != "" {
		c.Mail.Password = v
	}
	if v := os.Getenv("MAILGATE_CAPTCHA_SECRET"); v != "" {
		c.Captcha.SecretKey = v
	}
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Ticket.Window == 0 {
		c.Ticket.Window = DefaultTicketWindow
	}
	if c.Mail.Timeout == 0 {
		c.Mail.Timeout = 30 * time.Second
	}
	if c.Captcha.Timeout == 0 {
		c.Captcha.Timeout = 10 * time.Second
	}
	if c.Storage.ListsPath == "" {
		c.Storage.ListsPath = "data/lists.db"
	}
	if c.Storage.QueryDBPath == "" {
		c.Storage.QueryDBPath = "data/queries.db"
	}
	if c.Async.MaxWorkers == 0 {
		c.Async.MaxWorkers = 16
	}
	if c.Async.ProducerTimeout == 0 {
		c.Async.ProducerTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	key, err := hex.DecodeString(c.Ticket.Key)
	if err != nil {
		return fmt.Errorf("ticket.key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("ticket.key must decode to 32 bytes, got %d", len(key))
	}
	if c.Ticket.Window < time.Hour {
		return fmt.Errorf("ticket.window must be at least 1h, got %s", c.Ticket.Window)
	}
	if c.Mail.Enabled {
		if c.Mail.Smarthost == "" {
			return fmt.Errorf("mail.smarthost is required when mail is enabled")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail.from is required when mail is enabled")
		}
	}
	if (c.Captcha.SiteKey == "") != (c.Captcha.SecretKey == "") {
		return fmt.Errorf("captcha.site_key and captcha.secret_key must be set together")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Async.MaxWorkers < 1 {
		return fmt.Errorf("async.max_workers must be positive")
	}
	return nil
}

// TicketKey returns the decoded cipher key. Validate must have passed.
func (c *Config) TicketKey() []byte {
	key, _ := hex.DecodeString(c.Ticket.Key)
	return key
}

// CaptchaEnabled reports whether CAPTCHA gating is configured
func (c *Config) CaptchaEnabled() bool {
	return c.Captcha.SiteKey != "" && c.Captcha.SecretKey != ""
}
