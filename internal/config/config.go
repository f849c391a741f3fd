package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models casetrail.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Review struct {
		AllowSelfApproval bool   `yaml:"allow_self_approval"`
		FinalApproverRole string `yaml:"final_approver_role"`
	} `yaml:"review"`
	Agents struct {
		Provider       string `yaml:"provider"`
		Model          string `yaml:"model"`
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"agents"`
	RateCard struct {
		Name     string             `yaml:"name"`
		Currency string             `yaml:"currency"`
		Rates    map[string]float64 `yaml:"rates"`
	} `yaml:"rate_card"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ct config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Review.FinalApproverRole == "" {
		return fmt.Errorf("config.review.final_approver_role is required")
	}
	switch c.Agents.Provider {
	case "openai", "local":
	default:
		return fmt.Errorf("config.agents.provider must be 'openai' or 'local'")
	}
	if c.Agents.Provider == "openai" && c.Agents.Model == "" {
		return fmt.Errorf("config.agents.model is required for the openai provider")
	}
	if c.Agents.TimeoutSeconds < 0 {
		return fmt.Errorf("config.agents.timeout_seconds must not be negative")
	}
	if c.RateCard.Name != "" {
		if c.RateCard.Currency == "" {
			return fmt.Errorf("config.rate_card.currency is required when a rate card is seeded")
		}
		if len(c.RateCard.Rates) == 0 {
			return fmt.Errorf("config.rate_card.rates must not be empty")
		}
		for role, rate := range c.RateCard.Rates {
			if role == "" {
				return fmt.Errorf("config.rate_card.rates contains an empty role name")
			}
			if rate <= 0 {
				return fmt.Errorf("rate for role %s must be positive", role)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %s has empty event filter entry", hook.URL)
			}
		}
	}
	return nil
}

// AgentTimeoutSeconds returns the configured agent timeout with a default.
func (c *Config) AgentTimeoutSeconds() int {
	if c.Agents.TimeoutSeconds == 0 {
		return 60
	}
	return c.Agents.TimeoutSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "casetrail.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a service.
func Default(serviceName string) *Config {
	var cfg Config
	cfg.Service.Name = serviceName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceName))).Decode(&cfg)
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

const defaultTemplate = `service:
  name: %s

review:
  # When false, the actor who submitted a section may not approve it.
  allow_self_approval: true
  final_approver_role: FINAL_APPROVER

agents:
  # 'openai' uses the configured model; 'local' is a deterministic
  # offline generator for development and tests.
  provider: local
  model: gpt-4o-mini
  endpoint: ""
  timeout_seconds: 60

rate_card:
  name: standard
  currency: USD
  rates:
    backend_engineer: 120
    frontend_engineer: 110
    qa_engineer: 90
    product_manager: 130
    designer: 100

webhooks: []
`
