package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"schedline/internal/facts"
	"schedline/internal/policy"
	"schedline/internal/producers"
)

// FileName is the config file looked up in a workspace.
const FileName = "schedline.yml"

// Config models schedline.yml.
type Config struct {
	Engine struct {
		// Clock is "live" or "pseudo".
		Clock      string        `yaml:"clock" json:"clock"`
		Tick       time.Duration `yaml:"tick" json:"tick"`
		MaxFirings int           `yaml:"max_firings" json:"max_firings"`
		RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
	} `yaml:"engine" json:"engine"`
	Events struct {
		TTL TTLConfig `yaml:"ttl" json:"ttl"`
	} `yaml:"events" json:"events"`
	Policy    policy.Config   `yaml:"policy" json:"policy"`
	Producers ProducersConfig `yaml:"producers" json:"producers"`
	Storage   struct {
		Path string `yaml:"path" json:"path"`
	} `yaml:"storage" json:"storage"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
		// JWTSecret enables bearer auth on the API when set.
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"server" json:"server"`
	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"logging" json:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type TTLConfig struct {
	CpuTemperature time.Duration `yaml:"cpu_temperature" json:"cpu_temperature"`
	IO             time.Duration `yaml:"io" json:"io"`
	PageFault      time.Duration `yaml:"page_fault" json:"page_fault"`
	CpuOverheat    time.Duration `yaml:"cpu_overheat" json:"cpu_overheat"`
}

type ProducersConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	producers.Config `yaml:",inline" json:"config"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// TTL converts the events.ttl section.
func (c *Config) TTL() facts.TTL {
	return facts.TTL{
		Temperature: c.Events.TTL.CpuTemperature,
		IO:          c.Events.TTL.IO,
		PageFault:   c.Events.TTL.PageFault,
		Overheat:    c.Events.TTL.CpuOverheat,
	}
}

// Pseudo reports whether runs use a deterministic clock.
func (c *Config) Pseudo() bool { return c.Engine.Clock == "pseudo" }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine.Clock {
	case "live", "pseudo":
	default:
		errs = append(errs, fmt.Errorf("config.engine.clock must be 'live' or 'pseudo', got %q", c.Engine.Clock))
	}
	if c.Engine.Tick < 0 {
		errs = append(errs, errors.New("config.engine.tick must not be negative"))
	}
	if c.Engine.MaxFirings < 0 {
		errs = append(errs, errors.New("config.engine.max_firings must not be negative"))
	}
	if c.Engine.RunTimeout < 0 {
		errs = append(errs, errors.New("config.engine.run_timeout must not be negative"))
	}
	if err := c.TTL().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config.events: %w", err))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config.policy: %w", err))
	}
	if err := c.Producers.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config.producers: %w", err))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("config.storage.path is required"))
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			errs = append(errs, fmt.Errorf("config.webhooks[%d].url is required", i))
		}
		if hook.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  clock: live
  tick: 100ms
  max_firings: 100000
  run_timeout: 2m

events:
  ttl:
    cpu_temperature: 30m
    io: 5m
    page_fault: 30s
    cpu_overheat: 20s

policy:
  paging_timeout: 2s
  thrashing_faults: 3
  thrashing_window: 10s
  thermal_window: 5s
  thermal_min_samples: 3
  overheat_threshold: 100
  cooldown_threshold: 50
  boost:
    - wait: 5s
      increment: 1
    - wait: 15s
      increment: 2
    - wait: 30s
      increment: 5

producers:
  enabled: true
  seed: 1
  temperature_interval: 500ms
  temperature_start: 50
  temperature_step: 4
  temperature_min: 20
  temperature_max: 130
  io_interval: 1500ms
  page_fault_interval: 1s
  page_fault_probability: 0.2

storage:
  path: schedline.db

server:
  addr: ":8080"
  base_path: /v0

logging:
  level: info
  format: json
`
