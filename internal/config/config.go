package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/MazinLab/picturec/internal/schema"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when picc.yml leaves a field empty.
const (
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultPollInterval      = time.Second
	DefaultTimeout           = 500 * time.Millisecond
	DefaultRetries           = 3
	DefaultHealthPort        = 8080
	DefaultHeatSwitchTimeout = 30 * time.Second
	DefaultStepInterval      = time.Second
	DefaultCommandTimeout    = 10 * time.Second
)

// PiccConfig represents the top-level picc.yml configuration
type PiccConfig struct {
	Version  string            `yaml:"version"`
	RedisURL string            `yaml:"redis_url,omitempty"`
	Defaults string            `yaml:"defaults,omitempty"` // Optional override for the built-in defaults document
	Journal  string            `yaml:"journal,omitempty"`  // sqlite path; empty disables the history journal
	Agents   map[string]*Agent `yaml:"agents"`
	Cooldown *CooldownConfig   `yaml:"cooldown,omitempty"`
	CLI      *CLIConfig        `yaml:"cli,omitempty"`
}

// Agent represents the runtime configuration of one agent process
type Agent struct {
	Port         string        `yaml:"port,omitempty"`     // Serial device, e.g. /dev/sim921
	BaudRate     int           `yaml:"baudrate,omitempty"` // Default depends on the instrument
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"` // Per-query response timeout
	Retries      int           `yaml:"retries,omitempty"`
	HealthPort   int           `yaml:"health_port,omitempty"`
}

// CooldownConfig tunes the director's cycle execution
type CooldownConfig struct {
	StepInterval      time.Duration `yaml:"step_interval,omitempty"`      // Spacing of ramp steps
	HeatSwitchTimeout time.Duration `yaml:"heatswitch_timeout,omitempty"` // Confirmation deadline
	AmpsPerVolt       float64       `yaml:"amps_per_volt,omitempty"`      // Magnet current per volt of sim960 output
}

// CLIConfig holds picc operator defaults
type CLIConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`
}

// hardware lists the agents that talk to a serial port.
var hardware = map[string]int{
	schema.AgentSIM921:       9600,
	schema.AgentSIM960:       9600,
	schema.AgentCurrentduino: 115200,
	schema.AgentHemtduino:    115200,
	schema.AgentLS240:        115200,
}

// IsHardware reports whether the named agent drives a serial instrument.
func IsHardware(name string) bool {
	_, ok := hardware[name]
	return ok
}

// Validate checks the configuration and fills in defaults.
func (c *PiccConfig) Validate() error {
	if c.Version != "1" {
		return fmt.Errorf("unsupported version: %s (expected: 1)", c.Version)
	}

	if c.RedisURL == "" {
		c.RedisURL = DefaultRedisURL
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}

	known := make(map[string]bool)
	for _, name := range schema.Builtin().Agents() {
		known[name] = true
	}

	for _, name := range c.AgentNames() {
		if !known[name] {
			return fmt.Errorf("unknown agent '%s'", name)
		}
		if c.Agents[name] == nil {
			c.Agents[name] = &Agent{}
		}
		if err := c.Agents[name].Validate(name); err != nil {
			return err
		}
	}

	if c.Cooldown == nil {
		c.Cooldown = &CooldownConfig{}
	}
	if err := c.Cooldown.Validate(); err != nil {
		return err
	}

	if c.CLI == nil {
		c.CLI = &CLIConfig{}
	}
	if c.CLI.CommandTimeout <= 0 {
		c.CLI.CommandTimeout = DefaultCommandTimeout
	}

	return nil
}

// Validate checks one agent entry and fills in defaults.
func (a *Agent) Validate(name string) error {
	if baud, ok := hardware[name]; ok {
		if a.Port == "" {
			return fmt.Errorf("agent '%s': port is required", name)
		}
		if a.BaudRate == 0 {
			a.BaudRate = baud
		}
	} else if a.Port != "" {
		return fmt.Errorf("agent '%s': has no serial device, port must be omitted", name)
	}

	if a.BaudRate < 0 {
		return fmt.Errorf("agent '%s': baudrate must be positive, got %d", name, a.BaudRate)
	}
	if a.PollInterval < 0 || a.Timeout < 0 {
		return fmt.Errorf("agent '%s': poll_interval and timeout must not be negative", name)
	}
	if a.Retries < 0 {
		return fmt.Errorf("agent '%s': retries must be >= 0, got %d", name, a.Retries)
	}

	if a.PollInterval == 0 {
		a.PollInterval = DefaultPollInterval
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultTimeout
	}
	if a.Retries == 0 {
		a.Retries = DefaultRetries
	}
	if a.HealthPort == 0 {
		a.HealthPort = DefaultHealthPort
	}

	return nil
}

// Validate fills in cycle defaults.
func (c *CooldownConfig) Validate() error {
	if c.StepInterval < 0 || c.HeatSwitchTimeout < 0 {
		return fmt.Errorf("cooldown: step_interval and heatswitch_timeout must not be negative")
	}
	if c.AmpsPerVolt < 0 {
		return fmt.Errorf("cooldown: amps_per_volt must be positive, got %g", c.AmpsPerVolt)
	}
	if c.StepInterval == 0 {
		c.StepInterval = DefaultStepInterval
	}
	if c.HeatSwitchTimeout == 0 {
		c.HeatSwitchTimeout = DefaultHeatSwitchTimeout
	}
	if c.AmpsPerVolt == 0 {
		c.AmpsPerVolt = 1
	}
	return nil
}

// AgentNames returns the configured agent names in sorted order.
func (c *PiccConfig) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agent returns the validated entry for name.
func (c *PiccConfig) Agent(name string) (*Agent, error) {
	a, ok := c.Agents[name]
	if !ok {
		return nil, fmt.Errorf("agent '%s' is not configured", name)
	}
	return a, nil
}

// Registry returns the schema registry with the configured defaults
// document applied, if any.
func (c *PiccConfig) Registry() (*schema.Registry, error) {
	reg := schema.Builtin()
	if c.Defaults == "" {
		return reg, nil
	}
	d, err := schema.LoadDefaults(c.Defaults)
	if err != nil {
		return nil, err
	}
	return reg.WithDefaults(d)
}

// Load reads and validates a picc.yml file
func Load(path string) (*PiccConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config PiccConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
