package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/MazinLab/picturec/internal/config"
)

// DefaultConfigPath is used when PICC_CONFIG is not set.
const DefaultConfigPath = "/etc/picc/picc.yml"

// Env holds an agent process's configuration loaded from environment variables.
type Env struct {
	// AgentName selects the agent to run (from PICC_AGENT)
	AgentName string

	// ConfigPath is the picc.yml to load (from PICC_CONFIG)
	ConfigPath string

	// RedisURL overrides redis_url from picc.yml when set (from REDIS_URL)
	RedisURL string
}

// LoadEnv reads and validates the agent environment. Missing required
// variables are reported before any connection is opened.
func LoadEnv() (*Env, error) {
	env := &Env{
		AgentName:  os.Getenv("PICC_AGENT"),
		ConfigPath: os.Getenv("PICC_CONFIG"),
		RedisURL:   os.Getenv("REDIS_URL"),
	}
	if env.ConfigPath == "" {
		env.ConfigPath = DefaultConfigPath
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks that all required fields are present.
func (e *Env) Validate() error {
	if e.AgentName == "" {
		return fmt.Errorf("PICC_AGENT environment variable is required")
	}
	if e.ConfigPath == "" {
		return fmt.Errorf("PICC_CONFIG environment variable is required")
	}
	return nil
}

// Config tunes an Engine.
type Config struct {
	Name          string
	PollInterval  time.Duration
	CallTimeout   time.Duration // Bound on each device call, retries excluded
	MaxRetries    int           // Retries after the first attempt of a device call
	RetryInterval time.Duration // Initial backoff between retries
	DedupSize     int           // Command ids remembered for de-duplication
}

const (
	defaultCallTimeout   = 10 * time.Second
	defaultRetryInterval = 100 * time.Millisecond
	defaultDedupSize     = 256
)

// ConfigFor builds an engine config from an agent's picc.yml entry. The
// entry must already be validated.
func ConfigFor(name string, a *config.Agent) Config {
	return Config{
		Name:         name,
		PollInterval: a.PollInterval,
		MaxRetries:   a.Retries,
	}
}

// Validate requires a name and fills in defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = config.DefaultPollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.DedupSize <= 0 {
		c.DedupSize = defaultDedupSize
	}
	return nil
}
