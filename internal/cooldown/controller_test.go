package cooldown

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/config"
	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/testutil"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

var testCooldown = config.CooldownConfig{
	StepInterval:      20 * time.Millisecond,
	HeatSwitchTimeout: 2 * time.Second,
	AmpsPerVolt:       1,
}

func TestController_InitUsesStoredSettings(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	_, err := op.Set(env.Ctx, store.SettingKey("cycle:soak-current"), "5")
	require.NoError(t, err)
	_, err = op.Set(env.Ctx, store.SettingKey("cycle:soak-time"), "60")
	require.NoError(t, err)
	_, err = op.Set(env.Ctx, store.SettingKey("device:sim960:vout-value"), "1.5")
	require.NoError(t, err)
	_, err = op.Set(env.Ctx, store.StatusKey("heatswitch"), "open")
	require.NoError(t, err)

	c := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	readings, err := c.Init(env.Ctx)
	require.NoError(t, err)

	m := c.Machine()
	require.NotNil(t, m)
	assert.Equal(t, 5.0, m.Params().SoakCurrent)
	assert.Equal(t, time.Minute, m.Params().SoakTime)
	assert.Equal(t, 0.005, m.Params().RampRate, "unset settings take the default")
	assert.Equal(t, 19400.5, m.Params().Conditioning.Offset)
	assert.Equal(t, 1.5, m.Output())
	assert.Equal(t, SwitchOpen, m.Switch())
	assert.Contains(t, readings, agent.Reading{Key: keyCycleState, Value: "WARM"})
	assert.Contains(t, readings, agent.Reading{Key: keySwitchState, Value: "OPEN"})

	// A resync keeps the machine
	_, err = c.Init(env.Ctx)
	require.NoError(t, err)
	assert.Same(t, m, c.Machine())
}

func TestController_KeepsConsistentSettings(t *testing.T) {
	env := testutil.NewEnv(t)
	c := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	_, err := c.Init(env.Ctx)
	require.NoError(t, err)

	notify := func(path, value string) error {
		_, err := c.Observe(env.Ctx, store.Notification{Key: store.SettingKey(path), Value: value})
		return err
	}

	require.NoError(t, notify("device:sim960:vout-max-limit", "1"))
	assert.Equal(t, 1.0, c.Machine().Params().PID.VoutMax)

	assert.Error(t, notify("device:sim960:vout-min-limit", "2"), "min above max")
	assert.Equal(t, -0.1, c.Machine().Params().PID.VoutMin)

	require.NoError(t, notify("device:sim921:resistance-slope", "5e-06"))
	assert.Equal(t, 5e-06, c.Machine().Params().Conditioning.Aout)
}

func TestController_StaleInputsIgnored(t *testing.T) {
	env := testutil.NewEnv(t)
	c := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	_, err := c.Init(env.Ctx)
	require.NoError(t, err)

	sensor := env.Client(schema.AgentSIM921)
	_, err = sensor.AddSample(env.Ctx, keyResistance, 21000)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(time.Minute) }
	readings, err := c.Poll(env.Ctx)
	require.NoError(t, err)
	for _, r := range readings {
		assert.NotEqual(t, keySignal, r.Key, "stale resistance must not drive the signal")
	}

	c.now = time.Now
	readings, err = c.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Contains(t, readings, agent.Reading{Key: keySignal, Value: store.FormatFloat(1e-5 * (21000 - 19400.5))})
}

func TestController_PollFeedsOnlyNewSamples(t *testing.T) {
	env := testutil.NewEnv(t)
	c := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	_, err := c.Init(env.Ctx)
	require.NoError(t, err)

	sensor := env.Client(schema.AgentSIM921)
	_, err = sensor.AddSample(env.Ctx, keyResistance, 21000)
	require.NoError(t, err)

	readings, err := c.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Contains(t, readings, agent.Reading{Key: keySignal, Value: store.FormatFloat(1e-5 * (21000 - 19400.5))})

	readings, err = c.Poll(env.Ctx)
	require.NoError(t, err)
	for _, r := range readings {
		assert.NotEqual(t, keySignal, r.Key, "the same sample is not fed twice")
	}

	time.Sleep(5 * time.Millisecond)
	_, err = sensor.AddSample(env.Ctx, keyResistance, 22000)
	require.NoError(t, err)
	readings, err = c.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Contains(t, readings, agent.Reading{Key: keySignal, Value: store.FormatFloat(1e-5 * (22000 - 19400.5))})
}

func TestController_ScheduleCommand(t *testing.T) {
	env := testutil.NewEnv(t)
	c := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	_, err := c.Init(env.Ctx)
	require.NoError(t, err)

	entry, ok := schema.Builtin().Lookup(store.SettingKey("cycle:be-cold-at"))
	require.True(t, ok)

	_, err = c.Apply(env.Ctx, entry, schema.Value{Raw: "someday"})
	assert.True(t, fault.IsSchema(err))
	assert.True(t, c.Machine().ScheduledStart().IsZero())

	_, err = c.Apply(env.Ctx, entry, schema.Value{Raw: "+1m"})
	assert.True(t, fault.IsPrecondition(err), "the default cycle takes longer than a minute")

	at := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	res, err := c.Apply(env.Ctx, entry, schema.Value{Raw: at.Format(time.RFC3339)})
	require.NoError(t, err)
	start := c.Machine().ScheduledStart()
	assert.True(t, start.Equal(at.Add(-c.Machine().Params().TimeToCool())), "starts %s", start)
	assert.Contains(t, res.Updates, agent.Reading{Key: keyScheduled, Value: start.UTC().Format(time.RFC3339)})
}

func lastCommand(t *testing.T, c *store.Client, id string, want agent.Outcome) agent.CommandRecord {
	t.Helper()
	var rec agent.CommandRecord
	require.Eventually(t, func() bool {
		e, err := c.Get(context.Background(), schema.LastCommandKey(schema.AgentDirector))
		if err != nil || json.Unmarshal([]byte(e.Value), &rec) != nil {
			return false
		}
		return rec.ID == id && rec.Outcome == want
	}, waitTimeout, 10*time.Millisecond, "no %s record for %s", want, id)
	return rec
}

func TestController_QueuedCommandSettles(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	_, err := op.Set(env.Ctx, keyHeatSwitch, "open")
	require.NoError(t, err)

	director := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	runAgent(t, env, schema.AgentDirector, director)
	env.WaitForValue(op, schema.HealthKey(schema.AgentDirector), schema.HealthOK, waitTimeout)

	// The first cooldown closes the switch before ramping.
	first, err := op.Publish(env.Ctx, store.CommandKey("cycle:cooldown"), "now")
	require.NoError(t, err)
	lastCommand(t, op, first.ID, agent.OutcomeApplied)

	second, err := op.Publish(env.Ctx, store.CommandKey("cycle:cooldown"), "now")
	require.NoError(t, err)
	lastCommand(t, op, second.ID, agent.OutcomeQueued)

	_, err = op.Set(env.Ctx, keyHeatSwitch, "close")
	require.NoError(t, err)
	rec := lastCommand(t, op, second.ID, agent.OutcomeRejected)
	assert.Equal(t, store.CommandKey("cycle:cooldown"), rec.Key)
	assert.Equal(t, "operator", rec.Source)
	assert.Contains(t, rec.Error, "already in progress")
}

// bench is a simulated cryostat shared by the fake instruments: the magnet
// follows the SIM960 output. Once the heat switch has opened, the stage
// cools as the magnet de-ramps and sits at 0.1 K below 0.25 V.
type bench struct {
	mu         sync.Mutex
	vout       float64
	temp       float64
	cooled     bool
	heatswitch []string
}

func (b *bench) stage() float64 {
	if !b.cooled {
		return b.temp
	}
	return 0.1 + 0.4*math.Max(0, b.vout-0.25)
}

func (b *bench) with(fn func(b *bench)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *bench) switchMoves() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.heatswitch...)
}

type fakeSIM960 struct{ b *bench }

func (f fakeSIM960) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	if entry.Key.Path() == "device:sim960:vout-value" {
		f.b.with(func(b *bench) { b.vout = value.Float })
	}
	return agent.Result{}, nil
}

func (f fakeSIM960) Poll(ctx context.Context) ([]agent.Reading, error) {
	var v float64
	f.b.with(func(b *bench) { v = b.vout })
	return []agent.Reading{{Key: keyHCFET, Value: store.FormatFloat(v)}}, nil
}

type fakeCurrentduino struct{ b *bench }

func (f fakeCurrentduino) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	if entry.Key.Path() != "device:currentduino:heatswitch" {
		return agent.Result{}, nil
	}
	f.b.with(func(b *bench) {
		b.heatswitch = append(b.heatswitch, value.Raw)
		if value.Raw == "open" {
			b.cooled = true
		}
	})
	return agent.Result{Updates: []agent.Reading{{Key: keyHeatSwitch, Value: value.Raw}}}, nil
}

func (f fakeCurrentduino) Poll(ctx context.Context) ([]agent.Reading, error) {
	var v float64
	f.b.with(func(b *bench) { v = b.vout })
	return []agent.Reading{{Key: keyCurrent, Value: store.FormatFloat(v * testCooldown.AmpsPerVolt)}}, nil
}

type fakeSIM921 struct{ b *bench }

func (f fakeSIM921) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	return agent.Result{}, nil
}

func (f fakeSIM921) Poll(ctx context.Context) ([]agent.Reading, error) {
	var temp float64
	f.b.with(func(b *bench) { temp = b.stage() })
	return []agent.Reading{
		{Key: keyTemperature, Value: store.FormatFloat(temp)},
		{Key: keyResistance, Value: "20000"},
	}, nil
}

func runAgent(t *testing.T, env *testutil.Env, name string, dev agent.Device) {
	t.Helper()
	cfg := agent.Config{Name: name, PollInterval: 20 * time.Millisecond, RetryInterval: time.Millisecond}
	e, err := agent.New(cfg, env.Client(name), schema.Builtin(), dev, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// collect records the distinct successive values written to key.
func collect(t *testing.T, env *testutil.Env, key store.Key) func() []string {
	t.Helper()
	sub, err := env.Client("observer").Subscribe(env.Ctx, key.String())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	var mu sync.Mutex
	var seen []string
	go func() {
		for n := range sub.Events() {
			mu.Lock()
			if len(seen) == 0 || seen[len(seen)-1] != n.Value {
				seen = append(seen, n.Value)
			}
			mu.Unlock()
		}
	}()
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestCycle_EndToEnd(t *testing.T) {
	env := testutil.NewEnv(t)
	op := env.Client("operator")
	for path, value := range map[string]string{
		"cycle:ramp-rate":       "1",
		"cycle:deramp-rate":     "0.5",
		"cycle:soak-current":    "0.5",
		"cycle:soak-time":       "0",
		"cycle:current-band":    "0.01",
		"cycle:regulation-temp": "0.1",
	} {
		_, err := op.Set(env.Ctx, store.SettingKey(path), value)
		require.NoError(t, err)
	}

	cycleStates := collect(t, env, keyCycleState)
	switchStates := collect(t, env, keyHeatSwitch)

	b := &bench{temp: 4}
	runAgent(t, env, schema.AgentSIM960, fakeSIM960{b})
	runAgent(t, env, schema.AgentSIM921, fakeSIM921{b})
	runAgent(t, env, schema.AgentCurrentduino, fakeCurrentduino{b})

	director := NewController(env.Client(schema.AgentDirector), schema.Builtin(), testCooldown, zerolog.Nop())
	runAgent(t, env, schema.AgentDirector, director)

	for _, name := range []string{schema.AgentSIM960, schema.AgentSIM921, schema.AgentCurrentduino, schema.AgentDirector} {
		env.WaitForValue(op, schema.HealthKey(name), schema.HealthOK, waitTimeout)
	}
	// Startup pull closes the switch; only moves after this count.
	startMoves := len(b.switchMoves())

	_, err := op.Publish(env.Ctx, store.CommandKey("cycle:cooldown"), "now")
	require.NoError(t, err)

	env.WaitForValue(op, keyCycleState, string(StateRegulating), waitTimeout)
	env.WaitForValue(op, keySwitchState, string(SwitchClosed), waitTimeout)

	assert.Equal(t, []string{"WARM", "RAMPING", "REGULATING"}, cycleStates())
	assert.Equal(t, []string{"open", "close"}, b.switchMoves()[startMoves:])

	var observed []string
	require.Eventually(t, func() bool {
		observed = switchStates()
		n := len(observed)
		return n >= 2 && observed[n-2] == "open" && observed[n-1] == "close"
	}, waitTimeout, 10*time.Millisecond, "heat switch never reported open then close: %v", observed)

	current, err := op.Get(env.Ctx, keyCurrent)
	require.NoError(t, err)
	amps, err := strconv.ParseFloat(current.Value, 64)
	require.NoError(t, err)
	assert.Greater(t, amps, 0.0)
	assert.Less(t, amps, 0.5, "the magnet de-ramped before regulation")
	assert.Equal(t, "regulating", env.Value(op, keyMagnetState))
}
