package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models clawgate.yml.
type Config struct {
	Owner struct {
		Principal string `yaml:"principal"`
	} `yaml:"owner"`
	Channels struct {
		Primary   Channel `yaml:"primary"`
		Secondary Channel `yaml:"secondary"`
	} `yaml:"channels"`
	Confirmation struct {
		PasswordLength    int `yaml:"password_length"`
		TTLSeconds        int `yaml:"ttl_seconds"`
		AttemptsPerMinute int `yaml:"attempts_per_minute"`
		AttemptBurst      int `yaml:"attempt_burst"`
	} `yaml:"confirmation"`
	Drafts struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"drafts"`
	Filter struct {
		MaxScanBytes    int                `yaml:"max_scan_bytes"`
		SeverityWeights map[string]float64 `yaml:"severity_weights"`
	} `yaml:"filter"`
	Actions struct {
		Read  []string `yaml:"read"`
		Write []string `yaml:"write"`
	} `yaml:"actions"`
}

// Channel names one pre-registered out-of-band delivery channel.
type Channel struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	owner := strings.TrimSpace(c.Owner.Principal)
	if owner == "" {
		return fmt.Errorf("config.owner.principal is required")
	}
	channel, id, ok := strings.Cut(owner, ":")
	if !ok || channel == "" || id == "" {
		return fmt.Errorf("config.owner.principal must be channel-qualified (channel:identifier)")
	}
	if c.Channels.Primary.Name == "" || c.Channels.Secondary.Name == "" {
		return fmt.Errorf("config.channels.primary and config.channels.secondary are required")
	}
	if c.Channels.Primary.Name == c.Channels.Secondary.Name {
		return fmt.Errorf("confirmation channels must be distinct")
	}
	for _, ch := range []Channel{c.Channels.Primary, c.Channels.Secondary} {
		switch ch.Kind {
		case "telegram", "email", "memory":
		default:
			return fmt.Errorf("channel %s has unknown kind %q", ch.Name, ch.Kind)
		}
		if ch.Target == "" {
			return fmt.Errorf("channel %s requires a target", ch.Name)
		}
	}
	if c.Confirmation.PasswordLength < 16 {
		return fmt.Errorf("config.confirmation.password_length must be at least 16")
	}
	if c.Confirmation.TTLSeconds <= 0 {
		return fmt.Errorf("config.confirmation.ttl_seconds must be positive")
	}
	if c.Confirmation.AttemptsPerMinute < 0 || c.Confirmation.AttemptBurst < 0 {
		return fmt.Errorf("config.confirmation attempt limits must not be negative")
	}
	if c.Drafts.TTLSeconds <= 0 {
		return fmt.Errorf("config.drafts.ttl_seconds must be positive")
	}
	if c.Filter.MaxScanBytes <= 0 {
		return fmt.Errorf("config.filter.max_scan_bytes must be positive")
	}
	for _, sev := range []string{"low", "medium", "high", "critical"} {
		w, ok := c.Filter.SeverityWeights[sev]
		if !ok {
			return fmt.Errorf("config.filter.severity_weights.%s is required", sev)
		}
		if w <= 0 || w > 1 {
			return fmt.Errorf("config.filter.severity_weights.%s must be in (0,1]", sev)
		}
	}
	if c.Filter.SeverityWeights["low"] > c.Filter.SeverityWeights["medium"] ||
		c.Filter.SeverityWeights["medium"] > c.Filter.SeverityWeights["high"] ||
		c.Filter.SeverityWeights["high"] > c.Filter.SeverityWeights["critical"] {
		return fmt.Errorf("config.filter.severity_weights must be non-decreasing low<=medium<=high<=critical")
	}
	seen := map[string]string{}
	for _, name := range c.Actions.Read {
		if name == "" {
			return fmt.Errorf("config.actions.read contains an empty action name")
		}
		seen[name] = "read"
	}
	for _, name := range c.Actions.Write {
		if name == "" {
			return fmt.Errorf("config.actions.write contains an empty action name")
		}
		if seen[name] == "read" {
			return fmt.Errorf("action %s classified as both read and write", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clawgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(owner string) string {
	return fmt.Sprintf(defaultTemplate, owner)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an owner principal.
func Default(owner string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, owner)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `owner:
  principal: "%s"

channels:
  primary:
    name: owner-telegram
    kind: telegram
    target: "owner-chat-id"
  secondary:
    name: owner-email
    kind: email
    target: "owner@example.com"

confirmation:
  password_length: 24
  ttl_seconds: 900
  attempts_per_minute: 10
  attempt_burst: 5

drafts:
  ttl_seconds: 3600

filter:
  max_scan_bytes: 65536
  severity_weights:
    low: 0.2
    medium: 0.4
    high: 0.7
    critical: 0.9

actions:
  read:
    - read_file
    - list_files
    - read_email
    - search_web
    - get_status
  write:
    - send_email
    - send_message
    - execute_command
    - write_file
    - delete_file
    - schedule_task
`
