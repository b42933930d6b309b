// Package config loads service settings from an optional YAML file and the
// JIRASYNC_* environment, environment winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the sync service.
type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	GRPCAddr      string `yaml:"grpc_addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	DatabaseDSN   string `yaml:"database_dsn"`
	EncryptionKey string `yaml:"encryption_key"`
	AuthSecret    string `yaml:"auth_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
	LogLevel      string `yaml:"log_level"`
	// AutoMigrate applies the embedded schema at startup.
	AutoMigrate bool     `yaml:"auto_migrate"`
	CORSOrigins []string `yaml:"cors_origins"`

	Jira Jira `yaml:"jira"`
	Sync Sync `yaml:"sync"`
}

// Jira holds OAuth application and REST client settings.
type Jira struct {
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	RedirectURL    string        `yaml:"redirect_url"`
	AuthURL        string        `yaml:"auth_url"`
	TokenURL       string        `yaml:"token_url"`
	APIBaseURL     string        `yaml:"api_base_url"`
	ResourcesURL   string        `yaml:"resources_url"`
	Audience       string        `yaml:"audience"`
	Scopes         []string      `yaml:"scopes"`
	StartDateField string        `yaml:"start_date_field"`
	SprintField    string        `yaml:"sprint_field"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// Sync tunes the reconciliation scheduler, fan-out and token lifecycle.
type Sync struct {
	Interval            time.Duration `yaml:"interval"`
	Workers             int           `yaml:"workers"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	RefreshSkew         time.Duration `yaml:"refresh_skew"`
	FanoutConcurrency   int           `yaml:"fanout_concurrency"`
	FanoutRatePerSec    float64       `yaml:"fanout_rate_per_sec"`
	WebhookRefreshEvery time.Duration `yaml:"webhook_refresh_every"`
	PruneAfter          time.Duration `yaml:"prune_after"`
	PruneEvery          time.Duration `yaml:"prune_every"`
}

// Default returns a configuration with every optional setting populated.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Jira: Jira{
			AuthURL:        "https://auth.atlassian.com/authorize",
			TokenURL:       "https://auth.atlassian.com/oauth/token",
			APIBaseURL:     "https://api.atlassian.com",
			ResourcesURL:   "https://api.atlassian.com/oauth/token/accessible-resources",
			Audience:       "api.atlassian.com",
			Scopes:         []string{"read:jira-work", "write:jira-work", "read:jira-user", "manage:jira-webhook", "offline_access"},
			StartDateField: "customfield_10015",
			SprintField:    "customfield_10020",
			RequestTimeout: 8 * time.Second,
			MaxRetries:     2,
			RetryBaseDelay: 200 * time.Millisecond,
			RetryMaxDelay:  2 * time.Second,
		},
		Sync: Sync{
			Interval:            15 * time.Minute,
			Workers:             4,
			ConnectionTimeout:   2 * time.Minute,
			RefreshSkew:         5 * time.Minute,
			FanoutConcurrency:   4,
			FanoutRatePerSec:    5,
			WebhookRefreshEvery: 7 * 24 * time.Hour,
			PruneAfter:          30 * 24 * time.Hour,
			PruneEvery:          24 * time.Hour,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides. A missing file is an error; an empty path is not.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Jira.ClientID) == "" {
		missing = append(missing, "jira.client_id")
	}
	if strings.TrimSpace(c.Jira.ClientSecret) == "" {
		missing = append(missing, "jira.client_secret")
	}
	if strings.TrimSpace(c.Jira.RedirectURL) == "" {
		missing = append(missing, "jira.redirect_url")
	}
	if strings.TrimSpace(c.PublicBaseURL) == "" {
		missing = append(missing, "public_base_url")
	}
	if c.DatabaseDSN != "" && len(c.EncryptionKey) != 32 {
		missing = append(missing, "encryption_key (32 bytes, required with database_dsn)")
	}
	if len(missing) > 0 {
		return errors.New("config: missing " + strings.Join(missing, ", "))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("JIRASYNC_HTTP_ADDR", &c.HTTPAddr)
	str("JIRASYNC_GRPC_ADDR", &c.GRPCAddr)
	str("JIRASYNC_PUBLIC_BASE_URL", &c.PublicBaseURL)
	str("JIRASYNC_PG_DSN", &c.DatabaseDSN)
	str("JIRASYNC_ENCRYPTION_KEY", &c.EncryptionKey)
	str("JIRASYNC_AUTH_SECRET", &c.AuthSecret)
	str("JIRASYNC_WEBHOOK_SECRET", &c.WebhookSecret)
	str("JIRASYNC_LOG_LEVEL", &c.LogLevel)
	str("JIRASYNC_JIRA_CLIENT_ID", &c.Jira.ClientID)
	str("JIRASYNC_JIRA_CLIENT_SECRET", &c.Jira.ClientSecret)
	str("JIRASYNC_JIRA_REDIRECT_URL", &c.Jira.RedirectURL)
	str("JIRASYNC_JIRA_API_BASE_URL", &c.Jira.APIBaseURL)
	str("JIRASYNC_JIRA_TOKEN_URL", &c.Jira.TokenURL)
	if v, ok := lookup("JIRASYNC_CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	if v, ok := lookup("JIRASYNC_AUTO_MIGRATE"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: JIRASYNC_AUTO_MIGRATE: %w", err)
		}
		c.AutoMigrate = b
	}

	for key, dst := range map[string]*time.Duration{
		"JIRASYNC_SYNC_INTERVAL":           &c.Sync.Interval,
		"JIRASYNC_SYNC_CONNECTION_TIMEOUT": &c.Sync.ConnectionTimeout,
		"JIRASYNC_JIRA_REQUEST_TIMEOUT":    &c.Jira.RequestTimeout,
		"JIRASYNC_PRUNE_AFTER":             &c.Sync.PruneAfter,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*int{
		"JIRASYNC_SYNC_WORKERS":       &c.Sync.Workers,
		"JIRASYNC_FANOUT_CONCURRENCY": &c.Sync.FanoutConcurrency,
		"JIRASYNC_JIRA_MAX_RETRIES":   &c.Jira.MaxRetries,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// fillDefaults restores defaults for values a file explicitly zeroed.
func (c *Config) fillDefaults() {
	def := Default()
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = def.Sync.Workers
	}
	if c.Sync.ConnectionTimeout <= 0 {
		c.Sync.ConnectionTimeout = def.Sync.ConnectionTimeout
	}
	if c.Sync.RefreshSkew <= 0 {
		c.Sync.RefreshSkew = def.Sync.RefreshSkew
	}
	if c.Sync.FanoutConcurrency <= 0 {
		c.Sync.FanoutConcurrency = def.Sync.FanoutConcurrency
	}
	if c.Sync.FanoutRatePerSec <= 0 {
		c.Sync.FanoutRatePerSec = def.Sync.FanoutRatePerSec
	}
	if c.Jira.RequestTimeout <= 0 || c.Jira.RequestTimeout >= 10*time.Second {
		// Remote calls stay in single-digit seconds.
		c.Jira.RequestTimeout = def.Jira.RequestTimeout
	}
	if c.Jira.MaxRetries < 0 {
		c.Jira.MaxRetries = 0
	}
	if len(c.Jira.Scopes) == 0 {
		c.Jira.Scopes = def.Jira.Scopes
	}
}
