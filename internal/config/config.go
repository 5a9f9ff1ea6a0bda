package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models kendra.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Session struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		PollWindow   time.Duration `yaml:"poll_window"`
	} `yaml:"session"`
	Notify struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"notify"`
	Dashboard struct {
		AuditLimit int `yaml:"audit_limit"`
	} `yaml:"dashboard"`
	Mock struct {
		Addr   string `yaml:"addr"`
		Secret string `yaml:"secret"`
	} `yaml:"mock"`
	Log struct {
		File string `yaml:"file"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.api.base_url must be an absolute http(s) url")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config.api.timeout must be positive")
	}
	if c.Session.PollInterval <= 0 || c.Session.PollWindow <= 0 {
		return fmt.Errorf("config.session poll interval and window must be positive")
	}
	if c.Session.PollWindow < c.Session.PollInterval {
		return fmt.Errorf("config.session.poll_window must not be shorter than poll_interval")
	}
	if c.Notify.TTL <= 0 {
		return fmt.Errorf("config.notify.ttl must be positive")
	}
	if c.Dashboard.AuditLimit <= 0 {
		return fmt.Errorf("config.dashboard.audit_limit must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "kendra.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes over the defaults, then
// validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `api:
  base_url: http://localhost:8080
  timeout: 10s

session:
  poll_interval: 500ms
  poll_window: 5s

notify:
  ttl: 5s

dashboard:
  audit_limit: 50

mock:
  addr: 127.0.0.1:8080
  secret: kendra-dev-secret
`
