package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "picc.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1"
redis_url: redis://picc:6379/0
journal: /var/lib/picc/journal.db
agents:
  sim921:
    port: /dev/sim921
    poll_interval: 2s
  currentduino:
    port: /dev/currentduino
    retries: 5
  director: {}
cooldown:
  heatswitch_timeout: 45s
  amps_per_volt: 0.94
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1", config.Version)
	assert.Equal(t, "redis://picc:6379/0", config.RedisURL)
	assert.Equal(t, []string{"currentduino", "director", "sim921"}, config.AgentNames())

	sim921 := config.Agents["sim921"]
	assert.Equal(t, "/dev/sim921", sim921.Port)
	assert.Equal(t, 9600, sim921.BaudRate)
	assert.Equal(t, 2*time.Second, sim921.PollInterval)
	assert.Equal(t, DefaultTimeout, sim921.Timeout)
	assert.Equal(t, DefaultRetries, sim921.Retries)

	cd := config.Agents["currentduino"]
	assert.Equal(t, 115200, cd.BaudRate)
	assert.Equal(t, 5, cd.Retries)

	assert.Equal(t, DefaultHealthPort, config.Agents["director"].HealthPort)
	assert.Equal(t, 45*time.Second, config.Cooldown.HeatSwitchTimeout)
	assert.Equal(t, DefaultStepInterval, config.Cooldown.StepInterval)
	assert.InDelta(t, 0.94, config.Cooldown.AmpsPerVolt, 1e-12)
	assert.Equal(t, DefaultCommandTimeout, config.CLI.CommandTimeout)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/picc.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `version: "1"
agents:
  - this is invalid
    yaml syntax
`)

	config, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate_DefaultRedisURL(t *testing.T) {
	config := &PiccConfig{Version: "1", Agents: map[string]*Agent{"quench": nil}}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultRedisURL, config.RedisURL)
	assert.NotNil(t, config.Agents["quench"])
}

func TestValidate_UnsupportedVersion(t *testing.T) {
	config := &PiccConfig{Version: "2", Agents: map[string]*Agent{"director": {}}}
	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestValidate_NoAgents(t *testing.T) {
	config := &PiccConfig{Version: "1"}
	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no agents defined")
}

func TestValidate_UnknownAgent(t *testing.T) {
	config := &PiccConfig{Version: "1", Agents: map[string]*Agent{"sim999": {}}}
	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent 'sim999'")
}

func TestAgentValidate_MissingPort(t *testing.T) {
	err := (&Agent{}).Validate("sim960")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "port is required")
}

func TestAgentValidate_PortOnSoftwareAgent(t *testing.T) {
	err := (&Agent{Port: "/dev/ttyUSB0"}).Validate("director")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "port must be omitted")
}

func TestAgentValidate_NegativeRetries(t *testing.T) {
	err := (&Agent{Port: "/dev/ls240", Retries: -1}).Validate("ls240")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retries must be >= 0")
}

func TestRegistry_WithDefaultsFile(t *testing.T) {
	defaults := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(defaults, []byte("version: \"1\"\ncycle:\n  soak-time: 60\n"), 0644))

	config := &PiccConfig{Version: "1", Defaults: defaults, Agents: map[string]*Agent{"director": {}}}
	require.NoError(t, config.Validate())

	reg, err := config.Registry()
	require.NoError(t, err)

	key := "settings:cycle:soak-time"
	for _, e := range reg.Owned("director") {
		if string(e.Key) == key {
			assert.Equal(t, "60", e.Default)
			return
		}
	}
	t.Fatalf("%s not found", key)
}
