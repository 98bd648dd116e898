package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/config"
	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/metrics"
	"github.com/MazinLab/picturec/internal/pid"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/timespec"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/rs/zerolog"
)

const sim960Prefix = "device:sim960:"

// Settings the cycle is built from.
var (
	pidSettings = []string{
		"pid:polarity", "pid:mode", "pid:p", "pid:i", "pid:d", "pid:offset",
		"setpoint", "vout-min-limit", "vout-max-limit", "ramp-rate", "ramp-enable",
	}
	cycleSettings = []string{
		"cycle:ramp-rate", "cycle:deramp-rate", "cycle:soak-current", "cycle:soak-time",
		"cycle:current-band", "cycle:regulation-temp", "cycle:regulation-band", "cycle:runaway-margin",
	}

	keyResistanceOffset = store.SettingKey("device:sim921:resistance-offset")
	keyResistanceSlope  = store.SettingKey("device:sim921:resistance-slope")
	keyVoutSetting      = store.SettingKey(sim960Prefix + "vout-value")
	keyHeatSwitch       = store.StatusKey("heatswitch")

	keyTemperature = store.StatusKey("temps:mkidarray:temp")
	keyResistance  = store.StatusKey("temps:mkidarray:resistance")
	keyCurrent     = store.StatusKey("highcurrentboard:current")
	keyHCFET       = store.StatusKey(sim960Prefix + "hcfet-control-voltage")
)

// Controller is the director's device: it owns the cycle settings and turns
// store traffic into machine events. It is driven by the agent engine from a
// single goroutine.
type Controller struct {
	store    *store.Client
	registry *schema.Registry
	cfg      config.CooldownConfig
	logger   zerolog.Logger
	now      func() time.Time

	machine  *Machine
	settings map[store.Key]string

	// fed holds the UpdatedAt of the last entry of each input given to the machine.
	fed     map[store.Key]time.Time
	settled []agent.Settlement
}

var (
	_ agent.Device      = (*Controller)(nil)
	_ agent.Initializer = (*Controller)(nil)
	_ agent.Observer    = (*Controller)(nil)
	_ agent.Settler     = (*Controller)(nil)
)

// NewController creates a controller. The machine is built on Init.
func NewController(st *store.Client, registry *schema.Registry, cfg config.CooldownConfig, logger zerolog.Logger) *Controller {
	return &Controller{
		store:    st,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		settings: make(map[store.Key]string),
		fed:      make(map[store.Key]time.Time),
	}
}

// Machine exposes the state machine for inspection.
func (c *Controller) Machine() *Machine {
	return c.machine
}

// Init loads every setting the cycle depends on. The machine is created
// once; later calls reconfigure it without disturbing a cycle in progress.
func (c *Controller) Init(ctx context.Context) ([]agent.Reading, error) {
	keys := c.settingKeys()
	entries, err := c.store.GetMany(ctx, append(keys, keyVoutSetting, keyHeatSwitch)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle settings: %w", err)
	}
	for _, key := range keys {
		c.settings[key] = c.valueOrDefault(key, entries[key])
	}

	params, err := c.params()
	if err != nil {
		return nil, err
	}

	if c.machine != nil {
		if err := c.machine.Configure(params); err != nil {
			return nil, err
		}
		return readings(c.machine.Snapshot()), nil
	}

	output, _ := strconv.ParseFloat(c.valueOrDefault(keyVoutSetting, entries[keyVoutSetting]), 64)
	sw := SwitchClosed
	if e, ok := entries[keyHeatSwitch]; ok && e.Value == "open" && c.registry.CheckFresh(e, c.now()) == nil {
		sw = SwitchOpen
	}
	m, err := NewMachine(params, output, sw)
	if err != nil {
		return nil, err
	}
	c.machine = m
	metrics.SetCycleState(string(m.State()), States)
	c.logger.Info().
		Str("heatswitch", string(sw)).
		Float64("output", output).
		Msg("Cooldown machine ready")
	return readings(m.Snapshot()), nil
}

// Apply handles the director's own settings and commands.
func (c *Controller) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	var ev Event
	switch entry.Key.Path() {
	case "cycle:cooldown":
		ev = Event{Kind: EventCooldown}
	case "cycle:abort":
		ev = Event{Kind: EventAbort, Text: value.Raw}
	case "magnet:target-current":
		ev = Event{Kind: EventTargetCurrent, Value: value.Float}
	case "cycle:be-cold-at":
		at, err := timespec.ParseAt(value.Raw, c.now())
		if err != nil {
			return agent.Result{}, &fault.SchemaError{Key: entry.Key.String(), Value: value.Raw, Reason: err.Error()}
		}
		ev = Event{Kind: EventSchedule, At: at}
	default:
		if err := c.updateSetting(entry.Key, value.Raw); err != nil {
			return agent.Result{}, &fault.SchemaError{Key: entry.Key.String(), Value: value.Raw, Reason: err.Error()}
		}
		return agent.Result{}, nil
	}

	if n, ok := agent.CommandFrom(ctx); ok {
		ev.Command = &n
	}
	updates, err := c.handle(ctx, ev)
	return agent.Result{Updates: updates}, err
}

// Settled returns the outcomes of queued commands that ran since the last
// call.
func (c *Controller) Settled() []agent.Settlement {
	out := c.settled
	c.settled = nil
	return out
}

// WatchPatterns returns the keys, owned by other agents, the cycle follows.
func (c *Controller) WatchPatterns() []string {
	return []string{
		keyHeatSwitch.String(),
		store.SettingKey(sim960Prefix + "*").String(),
		store.SettingKey("device:sim921:resistance-*").String(),
	}
}

// Observe reacts to heat switch reports and to changes in the instrument
// settings the cycle is built from.
func (c *Controller) Observe(ctx context.Context, n store.Notification) ([]agent.Reading, error) {
	if n.Key == keyHeatSwitch {
		return c.handle(ctx, Event{Kind: EventHeatSwitch, Text: n.Value})
	}
	if !c.watched(n.Key) {
		return nil, nil
	}
	return nil, c.updateSetting(n.Key, n.Value)
}

// Poll feeds fresh readings to the machine and advances its clock.
func (c *Controller) Poll(ctx context.Context) ([]agent.Reading, error) {
	if c.machine == nil {
		return nil, errors.New("cooldown machine not initialized")
	}

	sim960Health := schema.HealthKey(schema.AgentSIM960)
	currentduinoHealth := schema.HealthKey(schema.AgentCurrentduino)
	entries, err := c.store.GetMany(ctx,
		keyTemperature, keyResistance, keyCurrent, keyHCFET, keyHeatSwitch, sim960Health, currentduinoHealth)
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle inputs: %w", err)
	}

	now := c.now()
	var out []agent.Reading
	feed := func(key store.Key, kind EventKind) {
		e, ok := entries[key]
		if !ok {
			return
		}
		if err := c.registry.CheckFresh(e, now); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring stale input")
			return
		}
		if last, ok := c.fed[key]; ok && !e.UpdatedAt.After(last) {
			return
		}
		c.fed[key] = e.UpdatedAt
		ev := Event{Kind: kind, Text: e.Value}
		if kind != EventHeatSwitch {
			v, err := strconv.ParseFloat(e.Value, 64)
			if err != nil {
				c.logger.Warn().Err(err).Str("key", key.String()).Msg("Ignoring unparsable input")
				return
			}
			ev.Value = v
		}
		r, err := c.handle(ctx, ev)
		if err != nil {
			c.logger.Error().Err(err).Str("event", string(kind)).Msg("Cycle event failed")
		}
		out = append(out, r...)
	}

	feed(keyHeatSwitch, EventHeatSwitch)
	feed(keyResistance, EventResistance)
	feed(keyCurrent, EventCurrent)
	feed(keyHCFET, EventOutput)
	feed(keyTemperature, EventTemperature)

	suspended := healthIs(entries[sim960Health], schema.HealthError) || healthIs(entries[currentduinoHealth], schema.HealthError)
	r, err := c.handle(ctx, Event{Kind: EventTick, Suspended: suspended})
	if err != nil {
		c.logger.Error().Err(err).Str("event_type", "heatswitch_timeout").Msg("Cycle tick failed")
	}
	return append(out, r...), nil
}

// handle runs one event, publishes the resulting commands and returns the
// director's own updates.
func (c *Controller) handle(ctx context.Context, ev Event) ([]agent.Reading, error) {
	if c.machine == nil {
		return nil, errors.New("cooldown machine not initialized")
	}

	m := c.machine
	state, sw, target := m.State(), m.Switch(), m.SwitchTarget()
	actions, err := m.Handle(ev, c.now())

	var out []agent.Reading
	for _, a := range actions {
		if !a.IsCommand() {
			out = append(out, agent.Reading{Key: a.Key, Value: a.Value})
			continue
		}
		if _, pubErr := c.store.Publish(ctx, a.Key, a.Value); pubErr != nil {
			c.logger.Error().Err(pubErr).Str("key", a.Key.String()).Msg("Failed to publish cycle command")
			continue
		}
		c.logger.Debug().Str("key", a.Key.String()).Str("value", a.Value).Msg("Published cycle command")
	}

	for _, st := range m.Settled() {
		if st.Event.Command == nil {
			if st.Err != nil {
				c.logger.Warn().Err(st.Err).Str("event", string(st.Event.Kind)).Msg("Queued event failed")
			}
			continue
		}
		c.settled = append(c.settled, agent.Settlement{Command: *st.Event.Command, Err: st.Err})
	}

	if m.State() != state {
		metrics.SetCycleState(string(m.State()), States)
		c.logger.Info().
			Str("event_type", "cycle_state").
			Str("from", string(state)).
			Str("to", string(m.State())).
			Str("reason", m.AbortReason()).
			Msg("Cycle state changed")
	}
	if sw == SwitchTransitioning && m.Switch() != SwitchTransitioning {
		result := "confirmed"
		if errors.Is(err, ErrHeatSwitchTimeout) {
			result = "timeout"
		}
		metrics.RecordHeatSwitch(string(target), result)
	}
	return out, err
}

// updateSetting records a new setting value and reconfigures the machine,
// keeping the previous value if the result is inconsistent.
func (c *Controller) updateSetting(key store.Key, value string) error {
	prev, had := c.settings[key]
	c.settings[key] = value

	params, err := c.params()
	if err == nil && c.machine != nil {
		err = c.machine.Configure(params)
	}
	if err != nil {
		if had {
			c.settings[key] = prev
		} else {
			delete(c.settings, key)
		}
		return err
	}
	return nil
}

func (c *Controller) params() (Params, error) {
	values := make(map[string]string, len(pidSettings))
	for _, name := range pidSettings {
		values[name] = c.settings[store.SettingKey(sim960Prefix+name)]
	}
	pidCfg, err := pid.ParseConfig(values)
	if err != nil {
		return Params{}, err
	}

	p := Params{
		HeatSwitchTimeout: c.cfg.HeatSwitchTimeout,
		AmpsPerVolt:       c.cfg.AmpsPerVolt,
		PID:               pidCfg,
	}
	floats := []struct {
		key store.Key
		dst *float64
	}{
		{store.SettingKey("cycle:ramp-rate"), &p.RampRate},
		{store.SettingKey("cycle:deramp-rate"), &p.DerampRate},
		{store.SettingKey("cycle:soak-current"), &p.SoakCurrent},
		{store.SettingKey("cycle:current-band"), &p.CurrentBand},
		{store.SettingKey("cycle:regulation-temp"), &p.RegulationTemp},
		{store.SettingKey("cycle:regulation-band"), &p.RegulationBand},
		{store.SettingKey("cycle:runaway-margin"), &p.RunawayMargin},
		{keyResistanceOffset, &p.Conditioning.Offset},
		{keyResistanceSlope, &p.Conditioning.Aout},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(c.settings[f.key], 64)
		if err != nil {
			return Params{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = v
	}

	soak, err := strconv.ParseFloat(c.settings[store.SettingKey("cycle:soak-time")], 64)
	if err != nil {
		return Params{}, fmt.Errorf("invalid cycle:soak-time: %w", err)
	}
	p.SoakTime = time.Duration(soak * float64(time.Second))

	return p, p.Validate()
}

func (c *Controller) settingKeys() []store.Key {
	keys := make([]store.Key, 0, len(pidSettings)+len(cycleSettings)+2)
	for _, name := range pidSettings {
		keys = append(keys, store.SettingKey(sim960Prefix+name))
	}
	for _, path := range cycleSettings {
		keys = append(keys, store.SettingKey(path))
	}
	return append(keys, keyResistanceOffset, keyResistanceSlope)
}

func (c *Controller) watched(key store.Key) bool {
	if key == keyResistanceOffset || key == keyResistanceSlope {
		return true
	}
	_, ok := c.settings[key]
	return ok && strings.HasPrefix(key.Path(), sim960Prefix)
}

// valueOrDefault returns the stored value if it validates, the schema
// default otherwise.
func (c *Controller) valueOrDefault(key store.Key, e *store.Entry) string {
	entry, _ := c.registry.Lookup(key)
	if e == nil {
		return entry.Default
	}
	if _, err := c.registry.ValidateSetting(key, e.Value); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Stored setting is invalid, using default")
		return entry.Default
	}
	return e.Value
}

func healthIs(e *store.Entry, health string) bool {
	return e != nil && e.Value == health
}

func readings(actions []Action) []agent.Reading {
	out := make([]agent.Reading, 0, len(actions))
	for _, a := range actions {
		if !a.IsCommand() {
			out = append(out, agent.Reading{Key: a.Key, Value: a.Value})
		}
	}
	return out
}
