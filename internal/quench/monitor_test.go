package quench

import (
	"sync"
	"testing"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/testutil"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sensor writes current samples at chosen times. Times stay in the past so
// the stream ids Redis assigns never sort before them.
type sensor struct {
	mu     sync.Mutex
	at     time.Time
	client *store.Client
}

func newSensor(t *testing.T, env *testutil.Env) *sensor {
	s := &sensor{at: time.Now().Add(-time.Minute)}
	s.client = env.Client(schema.AgentCurrentduino, store.WithClock(func() time.Time {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.at
	}))
	return s
}

func (s *sensor) add(t *testing.T, env *testutil.Env, offset time.Duration, amps float64) {
	t.Helper()
	s.mu.Lock()
	s.at = s.at.Add(offset)
	s.mu.Unlock()
	_, err := s.client.AddSample(env.Ctx, keyCurrent, amps)
	require.NoError(t, err)
}

func value(readings []agent.Reading, key store.Key) (string, bool) {
	for _, r := range readings {
		if r.Key == key {
			return r.Value, true
		}
	}
	return "", false
}

func TestMonitor_DetectsQuench(t *testing.T) {
	env := testutil.NewEnv(t)
	sub, err := env.Client("observer").Subscribe(env.Ctx, cmdAbort.String())
	require.NoError(t, err)
	defer sub.Close()

	m := NewMonitor(env.Client(schema.AgentQuench), schema.Builtin(), zerolog.Nop())
	_, err = m.Init(env.Ctx)
	require.NoError(t, err)
	assert.InDelta(t, -0.025, m.Threshold(), 1e-12)

	s := newSensor(t, env)
	s.add(t, env, 0, 9.4)
	readings, err := m.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, readings, "first sample is only a baseline")

	// Normal de-ramp
	s.add(t, env, time.Second, 9.395)
	readings, err = m.Poll(env.Ctx)
	require.NoError(t, err)
	didt, ok := value(readings, keyDIDT)
	require.True(t, ok)
	assert.Equal(t, store.FormatFloat((9.395-9.4)/1), didt)
	_, detected := value(readings, keyDetected)
	assert.False(t, detected)

	// One steep sample is only a warning
	s.add(t, env, time.Second, 8)
	readings, err = m.Poll(env.Ctx)
	require.NoError(t, err)
	_, detected = value(readings, keyDetected)
	assert.False(t, detected)

	s.add(t, env, time.Second, 6)
	readings, err = m.Poll(env.Ctx)
	require.NoError(t, err)
	got, _ := value(readings, keyDetected)
	assert.Equal(t, "true", got)

	select {
	case n := <-sub.Events():
		assert.Equal(t, "quench", n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("abort was not requested")
	}

	// Still falling: no second abort
	s.add(t, env, time.Second, 4)
	readings, err = m.Poll(env.Ctx)
	require.NoError(t, err)
	_, detected = value(readings, keyDetected)
	assert.False(t, detected)

	s.add(t, env, time.Second, 4)
	readings, err = m.Poll(env.Ctx)
	require.NoError(t, err)
	got, _ = value(readings, keyDetected)
	assert.Equal(t, "false", got)

	select {
	case n := <-sub.Events():
		t.Fatalf("unexpected second abort %v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitor_TwoHitsInOnePoll(t *testing.T) {
	env := testutil.NewEnv(t)
	m := NewMonitor(env.Client(schema.AgentQuench), schema.Builtin(), zerolog.Nop())

	s := newSensor(t, env)
	s.add(t, env, 0, 9.4)
	_, err := m.Poll(env.Ctx)
	require.NoError(t, err)

	s.add(t, env, time.Second, 8)
	s.add(t, env, time.Second, 6)
	readings, err := m.Poll(env.Ctx)
	require.NoError(t, err)
	got, _ := value(readings, keyDetected)
	assert.Equal(t, "true", got)
}

func TestMonitor_FollowsSettings(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	_, err := op.Set(env.Ctx, keyDerampRate, "0.01")
	require.NoError(t, err)

	reg := schema.Builtin()
	m := NewMonitor(env.Client(schema.AgentQuench), reg, zerolog.Nop())
	_, err = m.Init(env.Ctx)
	require.NoError(t, err)
	assert.InDelta(t, -0.05, m.Threshold(), 1e-12)

	entry, _ := reg.Lookup(store.SettingKey("quench:factor"))
	v, err := reg.ValidateSetting(entry.Key, "10")
	require.NoError(t, err)
	_, err = m.Apply(env.Ctx, entry, v)
	require.NoError(t, err)
	assert.InDelta(t, -0.1, m.Threshold(), 1e-12)

	_, err = m.Observe(env.Ctx, store.Notification{Key: keyDerampRate, Value: "0.02"})
	require.NoError(t, err)
	assert.InDelta(t, -0.2, m.Threshold(), 1e-12)

	_, err = m.Observe(env.Ctx, store.Notification{Key: keyDerampRate, Value: "fast"})
	assert.Error(t, err)
	assert.InDelta(t, -0.2, m.Threshold(), 1e-12)
}
