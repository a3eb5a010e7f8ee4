// Package config provides configuration parsing and validation for the mesh panel.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshled/meshpanel/internal/logging"
)

// Config represents the complete panel configuration.
type Config struct {
	Panel    PanelConfig    `yaml:"panel"`
	Page     PageConfig     `yaml:"page"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Client   ClientConfig   `yaml:"client"`
	MDNS     MDNSConfig     `yaml:"mdns"`
	Server   ServerConfig   `yaml:"server"`
}

// PanelConfig contains process-wide settings.
type PanelConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	StateFile string `yaml:"state_file"` // persisted host list, selection and token
}

// PageConfig describes the origin the control page is served from.
type PageConfig struct {
	Host          string `yaml:"host"`           // host[:port] of the page, empty when none
	Secure        bool   `yaml:"secure"`         // page served over https
	ProxyTemplate string `yaml:"proxy_template"` // {host} and {path} placeholders
}

// TimeoutsConfig bounds every outbound device call.
type TimeoutsConfig struct {
	PeerList   time.Duration `yaml:"peer_list"`   // GET /get_devices during discovery
	Probe      time.Duration `yaml:"probe"`       // identity probes during discovery
	DeviceInfo time.Duration `yaml:"device_info"` // GET /device_info during aggregation
	Model      time.Duration `yaml:"model"`       // GET /get_model during aggregation
	Request    time.Duration `yaml:"request"`     // calls against the selected device
}

// ClientConfig tunes the device HTTP client.
type ClientConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int     `yaml:"burst"`
}

// MDNSConfig enables mDNS-based discovery seeds.
type MDNSConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Service   string        `yaml:"service"`
	Domain    string        `yaml:"domain"`
	Window    time.Duration `yaml:"window"`
	Interface string        `yaml:"interface"`
}

// ServerConfig defines the panel HTTP API server settings.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Panel: PanelConfig{
			LogLevel:  "info",
			LogFormat: "text",
			StateFile: "./data/state.yaml",
		},
		Timeouts: TimeoutsConfig{
			PeerList:   2200 * time.Millisecond,
			Probe:      1600 * time.Millisecond,
			DeviceInfo: 1600 * time.Millisecond,
			Model:      2200 * time.Millisecond,
			Request:    5 * time.Second,
		},
		Client: ClientConfig{
			RateLimit: 0,
			Burst:     8,
		},
		MDNS: MDNSConfig{
			Enabled: false,
			Service: "_xled._tcp",
			Domain:  "local.",
			Window:  2 * time.Second,
		},
		Server: ServerConfig{
			Address:      "127.0.0.1:8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as-is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if _, err := logging.ParseLevel(c.Panel.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Panel.LogLevel))
	}
	if !isValidLogFormat(c.Panel.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Panel.LogFormat))
	}
	if c.Panel.StateFile == "" {
		errs = append(errs, "panel.state_file is required")
	}

	if tpl := strings.TrimSpace(c.Page.ProxyTemplate); tpl != "" && !strings.Contains(tpl, "{host}") {
		errs = append(errs, "page.proxy_template must contain a {host} placeholder")
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.peer_list", c.Timeouts.PeerList},
		{"timeouts.probe", c.Timeouts.Probe},
		{"timeouts.device_info", c.Timeouts.DeviceInfo},
		{"timeouts.model", c.Timeouts.Model},
		{"timeouts.request", c.Timeouts.Request},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", t.name))
		}
	}

	if c.Client.RateLimit < 0 {
		errs = append(errs, "client.rate_limit must not be negative")
	}
	if c.Client.RateLimit > 0 && c.Client.Burst < 1 {
		errs = append(errs, "client.burst must be at least 1 when rate_limit is set")
	}

	if c.MDNS.Enabled {
		if c.MDNS.Service == "" {
			errs = append(errs, "mdns.service is required when enabled")
		}
		if c.MDNS.Window <= 0 {
			errs = append(errs, "mdns.window must be positive")
		}
	}

	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a YAML rendering of the config with sensitive values redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with credentials embedded in the
// proxy template masked. This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	out := *c
	out.Page.ProxyTemplate = redactTemplate(c.Page.ProxyTemplate)
	return &out
}

// redactTemplate masks the userinfo part of a proxy URL template. The
// placeholders are swapped out first so url.Parse accepts the template.
func redactTemplate(tpl string) string {
	if tpl == "" {
		return tpl
	}
	probe := strings.NewReplacer("{host}", "HOST", "{path}", "/PATH").Replace(tpl)
	u, err := url.Parse(probe)
	if err != nil || u.User == nil {
		return tpl
	}
	userinfo := u.User.String()
	return strings.Replace(tpl, userinfo+"@", redactedValue+"@", 1)
}

// Marshal returns the YAML encoding of the config, including sensitive values.
// Used when writing a config file; do not log the output.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
