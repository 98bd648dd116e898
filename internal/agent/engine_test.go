package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/testutil"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

// fakeDevice records applied settings and can be broken or made to report a
// reset from the test goroutine.
type fakeDevice struct {
	mu         sync.Mutex
	applied    []string
	inits      int
	broken     bool
	resets     int
	ioFailures int
	readings   []Reading
}

func (f *fakeDevice) ioErr(op string) error {
	f.ioFailures++
	return &fault.DeviceIOError{Device: "fake", Op: op, Err: errors.New("response timeout")}
}

func (f *fakeDevice) Init(ctx context.Context) ([]Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return nil, f.ioErr("init")
	}
	f.inits++
	return []Reading{{Key: store.StatusKey("device:sim960:model"), Value: "SIM960"}}, nil
}

func (f *fakeDevice) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return Result{}, f.ioErr("apply")
	}
	f.applied = append(f.applied, entry.Key.Path()+"="+value.Raw)
	return Result{}, nil
}

func (f *fakeDevice) Poll(ctx context.Context) ([]Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return nil, f.ioErr("poll")
	}
	if f.resets > 0 {
		f.resets--
		return nil, fmt.Errorf("%w: polarity readback changed", ErrDeviceReset)
	}
	return append([]Reading(nil), f.readings...), nil
}

func (f *fakeDevice) update(fn func(f *fakeDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDevice) count(applied string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.applied {
		if a == applied {
			n++
		}
	}
	return n
}

// startEngine runs a sim960 engine over dev. Device status OK implies the
// subscription is live, so tests wait for it before publishing.
func startEngine(t *testing.T, env *testutil.Env, dev Device) (*Engine, func()) {
	t.Helper()
	cfg := Config{
		Name:          schema.AgentSIM960,
		PollInterval:  20 * time.Millisecond,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	}
	e, err := New(cfg, env.Client(schema.AgentSIM960), schema.Builtin(), dev, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.Ctx)
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("engine did not stop")
		}
	}
	return e, stop
}

func waitOutcome(t *testing.T, env *testutil.Env, c *store.Client, id string) CommandRecord {
	t.Helper()
	var rec CommandRecord
	require.Eventually(t, func() bool {
		e, err := c.Get(env.Ctx, schema.LastCommandKey(schema.AgentSIM960))
		if err != nil {
			return false
		}
		return json.Unmarshal([]byte(e.Value), &rec) == nil && rec.ID == id
	}, waitTimeout, 10*time.Millisecond, "no outcome for command %s", id)
	return rec
}

func TestEngine_StartupPull(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")

	_, err := op.Set(env.Ctx, store.SettingKey("device:sim960:setpoint"), "0.5")
	require.NoError(t, err)
	_, err = op.Set(env.Ctx, store.SettingKey("device:sim960:ramp-rate"), "fast")
	require.NoError(t, err)

	dev := &fakeDevice{}
	startEngine(t, env, dev)
	env.WaitForValue(op, schema.HealthKey(schema.AgentSIM960), schema.HealthOK, waitTimeout)

	assert.Equal(t, 1, dev.count("device:sim960:setpoint=0.5"), "stored value wins over the default")
	assert.Equal(t, 1, dev.count("device:sim960:mode=manual"), "unset setting falls back to the default")
	assert.Equal(t, 1, dev.count("device:sim960:ramp-rate=0.005"), "invalid stored value falls back to the default")
	assert.Equal(t, "0.005", env.Value(op, store.SettingKey("device:sim960:ramp-rate")))
	assert.Equal(t, "manual", env.Value(op, store.SettingKey("device:sim960:mode")))
	assert.Equal(t, "SIM960", env.Value(op, store.StatusKey("device:sim960:model")))
	assert.NotEmpty(t, env.Value(op, schema.HeartbeatKey(schema.AgentSIM960)))

	var reg schema.Registration
	require.NoError(t, json.Unmarshal([]byte(env.Value(op, schema.RegistrationKey(schema.AgentSIM960))), &reg))
	assert.Equal(t, schema.AgentSIM960, reg.Name)
	assert.Equal(t, schema.SchemaVersion, reg.SchemaVersion)
	assert.Contains(t, reg.OwnedSettings, store.SettingKey("device:sim960:vout-value"))
	assert.Contains(t, reg.ExposedCommands, store.CommandKey("device:sim960:setpoint"))
	assert.Contains(t, reg.OwnedStatus, store.StatusKey("device:sim960:vin"))
}

func TestEngine_CommandApplied(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	dev := &fakeDevice{}
	startEngine(t, env, dev)
	env.WaitForValue(op, schema.HealthKey(schema.AgentSIM960), schema.HealthOK, waitTimeout)

	n, err := op.Publish(env.Ctx, store.CommandKey("device:sim960:setpoint"), "1.5")
	require.NoError(t, err)

	rec := waitOutcome(t, env, op, n.ID)
	assert.Equal(t, OutcomeApplied, rec.Outcome)
	assert.Equal(t, "operator", rec.Source)
	assert.Empty(t, rec.Error)
	assert.Equal(t, "1.5", env.Value(op, store.SettingKey("device:sim960:setpoint")))

	// Sending the same value again is harmless
	n, err = op.Publish(env.Ctx, store.CommandKey("device:sim960:setpoint"), "1.5")
	require.NoError(t, err)
	rec = waitOutcome(t, env, op, n.ID)
	assert.Equal(t, OutcomeApplied, rec.Outcome)
	assert.Equal(t, "1.5", env.Value(op, store.SettingKey("device:sim960:setpoint")))
	assert.Equal(t, 2, dev.count("device:sim960:setpoint=1.5"))
}

func TestEngine_CommandRejected(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	dev := &fakeDevice{}
	startEngine(t, env, dev)
	env.WaitForValue(op, schema.HealthKey(schema.AgentSIM960), schema.HealthOK, waitTimeout)

	t.Run("invalid value", func(t *testing.T) {
		n, err := op.Publish(env.Ctx, store.CommandKey("device:sim960:setpoint"), "warm")
		require.NoError(t, err)

		rec := waitOutcome(t, env, op, n.ID)
		assert.Equal(t, OutcomeRejected, rec.Outcome)
		assert.Contains(t, rec.Error, "not a number")
		assert.Equal(t, "0", env.Value(op, store.SettingKey("device:sim960:setpoint")))
	})

	t.Run("unknown command", func(t *testing.T) {
		n, err := op.Publish(env.Ctx, store.CommandKey("device:sim960:bogus"), "1")
		require.NoError(t, err)

		rec := waitOutcome(t, env, op, n.ID)
		assert.Equal(t, OutcomeRejected, rec.Outcome)
		assert.Contains(t, rec.Error, "not a command exposed by sim960")
	})
}

func TestEngine_DuplicateDelivery(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	dev := &fakeDevice{}
	startEngine(t, env, dev)
	env.WaitForValue(op, schema.HealthKey(schema.AgentSIM960), schema.HealthOK, waitTimeout)

	rdb := redis.NewClient(env.Options())
	defer rdb.Close()

	key := store.CommandKey("device:sim960:setpoint")
	payload, err := json.Marshal(store.Notification{Key: key, Value: "2.5", ID: "dup-1", Source: "replay"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, rdb.Publish(env.Ctx, string(key), payload).Err())
	}

	// Commands are handled in order, so once this one is done the
	// duplicates have been seen.
	n, err := op.Publish(env.Ctx, store.CommandKey("device:sim960:ramp-enable"), "true")
	require.NoError(t, err)
	waitOutcome(t, env, op, n.ID)

	assert.Equal(t, 1, dev.count("device:sim960:setpoint=2.5"))
}

func TestEngine_DeviceFailureAndRecovery(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	dev := &fakeDevice{}
	startEngine(t, env, dev)
	health := schema.HealthKey(schema.AgentSIM960)
	env.WaitForValue(op, health, schema.HealthOK, waitTimeout)

	dev.update(func(f *fakeDevice) { f.broken = true })

	n, err := op.Publish(env.Ctx, store.CommandKey("device:sim960:setpoint"), "2")
	require.NoError(t, err)
	rec := waitOutcome(t, env, op, n.ID)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.Error, "response timeout")
	env.WaitForValue(op, health, schema.HealthError, waitTimeout)
	assert.Equal(t, "0", env.Value(op, store.SettingKey("device:sim960:setpoint")), "failed command must not change the setting")

	dev.mu.Lock()
	failures := dev.ioFailures
	dev.mu.Unlock()
	assert.GreaterOrEqual(t, failures, 3, "first attempt plus two retries")

	dev.update(func(f *fakeDevice) { f.broken = false })
	env.WaitForValue(op, health, schema.HealthOK, waitTimeout)

	// Recovery re-applies every setting
	require.Eventually(t, func() bool {
		return dev.count("device:sim960:mode=manual") >= 2
	}, waitTimeout, 10*time.Millisecond)
}

func TestEngine_ResyncOnDeviceReset(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	dev := &fakeDevice{resets: 1}
	e, _ := startEngine(t, env, dev)

	require.Eventually(t, func() bool {
		return dev.count("device:sim960:pid:polarity=-") >= 2
	}, waitTimeout, 10*time.Millisecond, "reset should trigger a re-pull")
	env.WaitForValue(op, schema.HealthKey(schema.AgentSIM960), schema.HealthOK, waitTimeout)

	// A setting changed directly in the store is picked up by the next resync
	_, err := op.Set(env.Ctx, store.SettingKey("device:sim960:pid:polarity"), "+")
	require.NoError(t, err)
	e.Resync()
	e.Resync()

	require.Eventually(t, func() bool {
		return dev.count("device:sim960:pid:polarity=+") >= 1
	}, waitTimeout, 10*time.Millisecond)

	dev.mu.Lock()
	inits := dev.inits
	dev.mu.Unlock()
	assert.GreaterOrEqual(t, inits, 3)
}

func TestEngine_WritesReadings(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	dev := &fakeDevice{readings: []Reading{
		{Key: store.StatusKey("device:sim960:vin"), Value: "0.25"},
		{Key: store.StatusKey("device:sim960:firmware"), Value: "ver2.2"},
		{Key: store.StatusKey("temps:lhetank"), Value: "4.2"},
		{Key: store.StatusKey("device:sim960:hcfet-control-voltage"), Value: "lots"},
	}}
	startEngine(t, env, dev)

	env.WaitForValue(op, store.StatusKey("device:sim960:vin"), "0.25", waitTimeout)
	assert.Equal(t, "ver2.2", env.Value(op, store.StatusKey("device:sim960:firmware")))

	samples, err := op.Range(env.Ctx, store.StatusKey("device:sim960:vin"), time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	assert.Equal(t, 0.25, samples[0].Value)

	_, err = op.Get(env.Ctx, store.StatusKey("temps:lhetank"))
	assert.True(t, store.IsUnset(err), "readings for keys owned by another agent are dropped")
	_, err = op.Get(env.Ctx, store.StatusKey("device:sim960:hcfet-control-voltage"))
	assert.True(t, store.IsUnset(err), "invalid readings are dropped")
}

func TestEngine_ShutdownWritesOff(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	e, stop := startEngine(t, env, &fakeDevice{})
	env.WaitForValue(op, schema.HealthKey(schema.AgentSIM960), schema.HealthOK, waitTimeout)

	stop()
	assert.Equal(t, schema.HealthOff, env.Value(op, schema.HealthKey(schema.AgentSIM960)))
	assert.Equal(t, schema.HealthOff, e.Health())
}

func TestNew_RejectsUnknownAgent(t *testing.T) {
	env := testutil.NewEnv(t)
	_, err := New(Config{Name: "cryocooler"}, env.Client("cryocooler"), schema.Builtin(), &fakeDevice{}, zerolog.Nop())
	assert.ErrorContains(t, err, "owns no keys")
}

func TestHealthServer(t *testing.T) {
	env := testutil.NewEnv(t)
	c := env.Client(schema.AgentLS240)
	hs := NewHealthServer(c, schema.AgentLS240, 0, zerolog.Nop())

	get := func(path string) (*httptest.ResponseRecorder, HealthResponse) {
		rec := httptest.NewRecorder()
		hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body HealthResponse
		if path == "/healthz" {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		}
		return rec, body
	}

	rec, body := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body.Status)

	_, err := c.Set(env.Ctx, schema.HealthKey(schema.AgentLS240), schema.HealthError)
	require.NoError(t, err)
	rec, body = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, schema.HealthError, body.Device)

	rec, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
