package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/MazinLab/picturec/internal/config"
	"github.com/MazinLab/picturec/internal/journal"
	"github.com/MazinLab/picturec/internal/logging"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/testutil"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, env *testutil.Env, journalPath string) *config.PiccConfig {
	t.Helper()
	cfg := &config.PiccConfig{
		Version:  "1",
		RedisURL: "redis://" + env.Redis.Addr(),
		Journal:  journalPath,
		Agents: map[string]*config.Agent{
			schema.AgentDirector: {HealthPort: 18931},
			schema.AgentQuench:   {HealthPort: 18932},
		},
		Cooldown: &config.CooldownConfig{StepInterval: 20 * time.Millisecond},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// TestServe_Lifecycle runs the director in-process: it must report healthy,
// journal cycle state and shut down cleanly on SIGTERM.
func TestServe_Lifecycle(t *testing.T) {
	env := testutil.NewEnv(t)
	journalPath := filepath.Join(t.TempDir(), "picc.db")
	cfg := testConfig(t, env, journalPath)

	sigChan := make(chan os.Signal, 1)
	done := make(chan int, 1)
	go func() { done <- serve(cfg, schema.AgentDirector, logging.Nop(), sigChan) }()

	observer := env.Client("test")
	env.WaitForValue(observer, schema.HealthKey(schema.AgentDirector), schema.HealthOK, 5*time.Second)
	env.WaitForValue(observer, store.StatusKey("cycle:state"), "WARM", 5*time.Second)

	sigChan <- syscall.SIGTERM
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}

	assert.Equal(t, schema.HealthOff, env.Value(observer, schema.HealthKey(schema.AgentDirector)))

	j, err := journal.Open(env.Ctx, journalPath)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.List(env.Ctx, journal.Filter{Kind: journal.KindCycle})
	require.NoError(t, err)
}

func TestServe_Errors(t *testing.T) {
	env := testutil.NewEnv(t)
	cfg := testConfig(t, env, "")

	assert.Equal(t, 1, serve(cfg, schema.AgentSIM921, logging.Nop(), nil), "unconfigured agent")

	bad := *cfg
	bad.RedisURL = "not a url"
	assert.Equal(t, 1, serve(&bad, schema.AgentQuench, logging.Nop(), nil))

	unreachable := *cfg
	unreachable.RedisURL = "redis://127.0.0.1:1"
	assert.Equal(t, 1, serve(&unreachable, schema.AgentQuench, logging.Nop(), nil), "redis unreachable")
}

func TestNewDevice(t *testing.T) {
	env := testutil.NewEnv(t)
	cfg := testConfig(t, env, "")
	st := env.Client("test")
	reg := schema.Builtin()

	dev, closeDevice, err := newDevice(cfg, schema.AgentQuench, cfg.Agents[schema.AgentQuench], st, reg, logging.Nop())
	require.NoError(t, err)
	assert.NotNil(t, dev)
	closeDevice()

	_, _, err = newDevice(cfg, schema.AgentSIM921, &config.Agent{Port: filepath.Join(t.TempDir(), "missing"), BaudRate: 9600}, st, reg, logging.Nop())
	assert.Error(t, err)

	_, _, err = newDevice(cfg, "nobody", &config.Agent{}, st, reg, logging.Nop())
	assert.Error(t, err)
}
