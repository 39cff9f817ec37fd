package pinwatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pinwatch/urlguard"
)

// Config holds all pinwatch configuration.
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Email     EmailConfig     `yaml:"email"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	HTTP      HTTPConfig      `yaml:"http"`
	Events    EventsConfig    `yaml:"events"`
}

// SchedulerConfig bounds recheck periods and page loads.
type SchedulerConfig struct {
	MinPeriod    int           `yaml:"min_period"` // minutes
	MaxPeriod    int           `yaml:"max_period"` // minutes
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// SyncInterval is how often the store is polled for writes made by
	// another process. Default: 5s. Negative disables the poll.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// FetchConfig selects how pages are loaded.
type FetchConfig struct {
	// Mode is "auto", "http" or "browser".
	Mode      string        `yaml:"mode"`
	UserAgent string        `yaml:"user_agent"`
	MaxBytes  int64         `yaml:"max_bytes"`
	// BlockPrivate refuses pages on loopback, private or link-local hosts.
	BlockPrivate bool          `yaml:"block_private"`
	Browser      BrowserConfig `yaml:"browser"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// EmailConfig configures the SendGrid mailer. No API key disables email.
type EmailConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	From           string `yaml:"from"`
	DefaultSubject string `yaml:"default_subject"`
}

// AlertsConfig adds a webhook to the logged local alert.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// HTTPConfig configures the API listener. An empty AuthUser disables auth.
type HTTPConfig struct {
	Addr             string `yaml:"addr"`
	AuthUser         string `yaml:"auth_user"`
	AuthPasswordHash string `yaml:"auth_password_hash"` // bcrypt

	// RateLimit is the number of requests one client may make per minute.
	// Default: 300. Negative disables limiting.
	RateLimit int `yaml:"rate_limit"`
	// TrustProxy keys the rate limit on X-Forwarded-For.
	TrustProxy   bool  `yaml:"trust_proxy"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"` // default 1 MiB
}

// EventsConfig controls the event log retention.
type EventsConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "pinwatch.db"
	}
	if c.Scheduler.MinPeriod <= 0 {
		c.Scheduler.MinPeriod = 1
	}
	if c.Scheduler.MaxPeriod <= 0 {
		c.Scheduler.MaxPeriod = 1440
	}
	if c.Scheduler.FetchTimeout <= 0 {
		c.Scheduler.FetchTimeout = 60 * time.Second
	}
	if c.Scheduler.SyncInterval == 0 {
		c.Scheduler.SyncInterval = 5 * time.Second
	}
	if c.Fetch.Mode == "" {
		c.Fetch.Mode = "auto"
	}
	if c.Email.APIKey == "" {
		c.Email.APIKey = os.Getenv("PINWATCH_SENDGRID_KEY")
	}
	if c.Email.From == "" {
		c.Email.From = "pinwatch@localhost"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8086"
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = 300
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 1 << 20
	}
	if c.Events.RetentionDays <= 0 {
		c.Events.RetentionDays = 30
	}
}

func (c *Config) validate() error {
	switch c.Fetch.Mode {
	case "auto", "http", "browser":
	default:
		return fmt.Errorf("pinwatch: unknown fetch mode %q", c.Fetch.Mode)
	}
	if c.Scheduler.MinPeriod > c.Scheduler.MaxPeriod {
		return fmt.Errorf("pinwatch: scheduler min_period %d above max_period %d",
			c.Scheduler.MinPeriod, c.Scheduler.MaxPeriod)
	}
	if c.HTTP.AuthUser != "" && c.HTTP.AuthPasswordHash == "" {
		return fmt.Errorf("pinwatch: http auth_user set without auth_password_hash")
	}
	if c.Alerts.WebhookURL != "" {
		if _, err := urlguard.CheckScheme(c.Alerts.WebhookURL); err != nil {
			return fmt.Errorf("pinwatch: alerts webhook_url: %w", err)
		}
	}
	if c.Email.Endpoint != "" {
		if _, err := urlguard.CheckScheme(c.Email.Endpoint); err != nil {
			return fmt.Errorf("pinwatch: email endpoint: %w", err)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file and fills defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pinwatch: parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a Config with every default filled.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}
