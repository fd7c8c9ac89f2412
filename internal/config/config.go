// Package config loads the watcher configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr        = "127.0.0.1:8787"
	defaultPollInterval      = 60 * time.Second
	defaultHTTPTimeout       = 15 * time.Second
	defaultLoginTimeout      = 60 * time.Second
	defaultExpiryBuffer      = 5 * time.Minute
	defaultWarningThreshold  = 50
	defaultCriticalThreshold = 30
)

// Config holds all runtime settings for the watcher core.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	ProxyURL     string `yaml:"proxy_url"`

	PollInterval time.Duration `yaml:"poll_interval"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
	ExpiryBuffer time.Duration `yaml:"expiry_buffer"`

	// Thresholds are remaining percentages: below warning → Warning,
	// below critical → Critical, zero → Depleted.
	WarningThreshold  int `yaml:"warning_threshold"`
	CriticalThreshold int `yaml:"critical_threshold"`

	Google   GoogleConfig   `yaml:"google"`
	Windsurf WindsurfConfig `yaml:"windsurf"`
}

// GoogleConfig holds OAuth client settings for the primary provider.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// WindsurfConfig holds settings for the secondary, file-credential provider.
type WindsurfConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	RefreshURL      string `yaml:"refresh_url"`
	UsageURL        string `yaml:"usage_url"`
}

// Default returns a config populated with built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:        defaultListenAddr,
		DatabasePath:      "watcher.db",
		PollInterval:      defaultPollInterval,
		HTTPTimeout:       defaultHTTPTimeout,
		LoginTimeout:      defaultLoginTimeout,
		ExpiryBuffer:      defaultExpiryBuffer,
		WarningThreshold:  defaultWarningThreshold,
		CriticalThreshold: defaultCriticalThreshold,
		Windsurf: WindsurfConfig{
			RefreshURL: "https://server.codeium.com/api/v1/auth/refresh",
			UsageURL:   "https://server.codeium.com/api/v1/usage-limits",
		},
	}
}

// Load reads the YAML file at path (if it exists) on top of the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = defaultExpiryBuffer
	}
	if cfg.CriticalThreshold > cfg.WarningThreshold {
		return nil, fmt.Errorf("critical_threshold %d exceeds warning_threshold %d",
			cfg.CriticalThreshold, cfg.WarningThreshold)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WATCHER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WATCHER_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("WATCHER_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("WATCHER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("WINDSURF_CREDENTIALS_PATH"); v != "" {
		cfg.Windsurf.CredentialsPath = v
	}
}

// WindsurfCredentialsPath resolves the credential file location for the
// secondary provider, defaulting to the well-known path under $HOME.
func (c *Config) WindsurfCredentialsPath() string {
	if c.Windsurf.CredentialsPath != "" {
		return c.Windsurf.CredentialsPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codeium", "windsurf", "auth.json")
}
