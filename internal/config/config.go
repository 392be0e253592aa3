package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type WebhookConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// RateLimitPerMinute caps callbacks per remote address; zero disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	QueueSize          int `yaml:"queue_size"`
	Workers            int `yaml:"workers"`

	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For
	// is honoured when identifying the sender. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type ScheduleConfig struct {
	Poll             string        `yaml:"poll"`
	Renew            string        `yaml:"renew"`
	Cleanup          string        `yaml:"cleanup"`
	RenewalWindow    time.Duration `yaml:"renewal_window"`
	EventRetention   time.Duration `yaml:"event_retention"`
	DeletedRetention time.Duration `yaml:"deleted_retention"`
}

type SyncConfig struct {
	DegradedThreshold int           `yaml:"degraded_threshold"`
	FailureBackoff    time.Duration `yaml:"failure_backoff"`
}

// ProviderConfig configures one remote calendar. A provider without an
// access token is not registered.
type ProviderConfig struct {
	BaseURL       string `yaml:"base_url"`
	CalendarID    string `yaml:"calendar_id"`
	CalendarName  string `yaml:"calendar_name"`
	CalendarColor string `yaml:"calendar_color"`
	AccessToken   string `yaml:"access_token"`
}

func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.AccessToken) != ""
}

type LocalConfig struct {
	// Path is the .ics export to read; empty disables the local source.
	Path          string        `yaml:"path"`
	CalendarName  string        `yaml:"calendar_name"`
	CalendarColor string        `yaml:"calendar_color"`
	PastHorizon   time.Duration `yaml:"past_horizon"`
	FutureHorizon time.Duration `yaml:"future_horizon"`
	Watch         bool          `yaml:"watch"`
}

type Config struct {
	Listen   string `yaml:"listen"`
	CacheDSN string `yaml:"cache_dsn"`
	// AuthToken guards the consumer API; empty leaves it open.
	AuthToken string `yaml:"auth_token"`
	// CallbackBaseURL is the public URL providers deliver notifications to.
	CallbackBaseURL string `yaml:"callback_base_url"`

	Webhook  WebhookConfig  `yaml:"webhook"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sync     SyncConfig     `yaml:"sync"`
	Google   ProviderConfig `yaml:"google"`
	Outlook  ProviderConfig `yaml:"outlook"`
	Local    LocalConfig    `yaml:"local"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		CacheDSN: "sqlite://calsync.db",
		Webhook: WebhookConfig{
			MaxBodyBytes:       1 << 20,
			RateLimitPerMinute: 600,
			QueueSize:          1024,
			Workers:            2,
		},
		Schedule: ScheduleConfig{
			Poll:             "@every 5m",
			Renew:            "@every 24h",
			Cleanup:          "@every 1h",
			RenewalWindow:    24 * time.Hour,
			EventRetention:   30 * 24 * time.Hour,
			DeletedRetention: 7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			DegradedThreshold: 3,
			FailureBackoff:    30 * time.Second,
		},
		Local: LocalConfig{
			PastHorizon:   30 * 24 * time.Hour,
			FutureHorizon: 365 * 24 * time.Hour,
			Watch:         true,
		},
	}
}

// Normalize fills zero values with defaults so partial files still work.
func (c *Config) Normalize() {
	def := DefaultConfig()
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	c.CacheDSN = strings.TrimSpace(c.CacheDSN)
	if c.CacheDSN == "" {
		c.CacheDSN = def.CacheDSN
	}
	c.CallbackBaseURL = strings.TrimRight(strings.TrimSpace(c.CallbackBaseURL), "/")
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = def.Webhook.MaxBodyBytes
	}
	if c.Webhook.RateLimitPerMinute < 0 {
		c.Webhook.RateLimitPerMinute = 0
	}
	if c.Webhook.QueueSize <= 0 {
		c.Webhook.QueueSize = def.Webhook.QueueSize
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = def.Webhook.Workers
	}
	if c.Schedule.Poll == "" {
		c.Schedule.Poll = def.Schedule.Poll
	}
	if c.Schedule.Renew == "" {
		c.Schedule.Renew = def.Schedule.Renew
	}
	if c.Schedule.Cleanup == "" {
		c.Schedule.Cleanup = def.Schedule.Cleanup
	}
	if c.Schedule.RenewalWindow <= 0 {
		c.Schedule.RenewalWindow = def.Schedule.RenewalWindow
	}
	if c.Schedule.EventRetention <= 0 {
		c.Schedule.EventRetention = def.Schedule.EventRetention
	}
	if c.Schedule.DeletedRetention <= 0 {
		c.Schedule.DeletedRetention = def.Schedule.DeletedRetention
	}
	if c.Sync.DegradedThreshold <= 0 {
		c.Sync.DegradedThreshold = def.Sync.DegradedThreshold
	}
	if c.Sync.FailureBackoff < 0 {
		c.Sync.FailureBackoff = 0
	}
	if c.Local.PastHorizon <= 0 {
		c.Local.PastHorizon = def.Local.PastHorizon
	}
	if c.Local.FutureHorizon <= 0 {
		c.Local.FutureHorizon = def.Local.FutureHorizon
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, if any, and applies CALSYNC_*
// environment overrides on top. An empty or missing path yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("config file %s not found, using defaults", path)
		default:
			return nil, err
		}
	}
	applyEnv(cfg)
	cfg.Normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = stringEnv("CALSYNC_ADDR", cfg.Listen)
	cfg.CacheDSN = stringEnv("CALSYNC_CACHE_DSN", cfg.CacheDSN)
	cfg.AuthToken = stringEnv("CALSYNC_AUTH_TOKEN", cfg.AuthToken)
	cfg.CallbackBaseURL = stringEnv("CALSYNC_CALLBACK_BASE_URL", cfg.CallbackBaseURL)

	cfg.Webhook.MaxBodyBytes = int64Env("CALSYNC_WEBHOOK_MAX_BODY_BYTES", cfg.Webhook.MaxBodyBytes)
	cfg.Webhook.RateLimitPerMinute = intEnv("CALSYNC_WEBHOOK_RATE_LIMIT_PER_MINUTE", cfg.Webhook.RateLimitPerMinute)
	cfg.Webhook.QueueSize = intEnv("CALSYNC_WEBHOOK_QUEUE_SIZE", cfg.Webhook.QueueSize)
	cfg.Webhook.Workers = intEnv("CALSYNC_WEBHOOK_WORKERS", cfg.Webhook.Workers)
	cfg.Webhook.TrustedProxies = listEnv("CALSYNC_TRUSTED_PROXIES", cfg.Webhook.TrustedProxies)

	cfg.Schedule.Poll = stringEnv("CALSYNC_POLL_SPEC", cfg.Schedule.Poll)
	cfg.Schedule.Renew = stringEnv("CALSYNC_RENEW_SPEC", cfg.Schedule.Renew)
	cfg.Schedule.Cleanup = stringEnv("CALSYNC_CLEANUP_SPEC", cfg.Schedule.Cleanup)
	cfg.Schedule.RenewalWindow = durationEnv("CALSYNC_RENEWAL_WINDOW", cfg.Schedule.RenewalWindow)
	cfg.Schedule.EventRetention = durationEnv("CALSYNC_EVENT_RETENTION", cfg.Schedule.EventRetention)
	cfg.Schedule.DeletedRetention = durationEnv("CALSYNC_DELETED_RETENTION", cfg.Schedule.DeletedRetention)

	cfg.Sync.DegradedThreshold = intEnv("CALSYNC_DEGRADED_THRESHOLD", cfg.Sync.DegradedThreshold)
	cfg.Sync.FailureBackoff = durationEnv("CALSYNC_FAILURE_BACKOFF", cfg.Sync.FailureBackoff)

	providerEnv("CALSYNC_GOOGLE", &cfg.Google)
	providerEnv("CALSYNC_OUTLOOK", &cfg.Outlook)

	cfg.Local.Path = stringEnv("CALSYNC_LOCAL_ICS_PATH", cfg.Local.Path)
	cfg.Local.PastHorizon = durationEnv("CALSYNC_LOCAL_PAST_HORIZON", cfg.Local.PastHorizon)
	cfg.Local.FutureHorizon = durationEnv("CALSYNC_LOCAL_FUTURE_HORIZON", cfg.Local.FutureHorizon)
	cfg.Local.Watch = boolEnv("CALSYNC_LOCAL_WATCH", cfg.Local.Watch)
}

func providerEnv(prefix string, p *ProviderConfig) {
	p.BaseURL = stringEnv(prefix+"_BASE_URL", p.BaseURL)
	p.CalendarID = stringEnv(prefix+"_CALENDAR_ID", p.CalendarID)
	p.CalendarName = stringEnv(prefix+"_CALENDAR_NAME", p.CalendarName)
	p.CalendarColor = stringEnv(prefix+"_CALENDAR_COLOR", p.CalendarColor)
	p.AccessToken = stringEnv(prefix+"_ACCESS_TOKEN", p.AccessToken)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

// listEnv reads a comma separated list.
func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
