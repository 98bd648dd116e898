// Package agent is the runtime shared by every PICTURE-C agent process: the
// startup pull of owned settings, the command loop, polling, resync and
// device health reporting. The hardware (or, for the director, the cooldown
// controller) plugs in through the Device interface.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/metrics"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Resync triggers, used as metric labels.
const (
	triggerManual    = "manual"
	triggerReset     = "reset"
	triggerRecovered = "recovered"
)

// Engine runs one agent. All device calls and store writes happen on the
// goroutine that called Start.
type Engine struct {
	cfg      Config
	store    *store.Client
	registry *schema.Registry
	device   Device
	router   *Router
	logger   zerolog.Logger
	now      func() time.Time

	resync chan string
	health atomic.Value // string
}

// New creates an engine. It does nothing until Start is called.
//
// Parameters:
//   - cfg: agent name, poll interval and retry policy
//   - st: store client; its source should be the agent name
//   - registry: schema the agent validates against
//   - dev: the hardware, or a software device such as the cooldown controller
//   - logger: base logger; the engine adds an "agent" field
func New(cfg Config, st *store.Client, registry *schema.Registry, dev Device, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	if st == nil || registry == nil || dev == nil {
		return nil, fmt.Errorf("store, registry and device are required")
	}
	if len(registry.Owned(cfg.Name)) == 0 {
		return nil, fmt.Errorf("agent %s owns no keys in schema %s", cfg.Name, schema.SchemaVersion)
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		registry: registry,
		device:   dev,
		router:   NewRouter(cfg.Name, registry, cfg.DedupSize),
		logger:   logger.With().Str("agent", cfg.Name).Logger(),
		now:      time.Now,
		resync:   make(chan string, 1),
	}
	e.health.Store("")
	return e, nil
}

// Health returns the device status last written, or "" before the first.
func (e *Engine) Health() string {
	return e.health.Load().(string)
}

// Resync asks the loop to re-pull and re-apply every owned setting. It never
// blocks, and requests made while one is pending are coalesced.
//
// A resync reads whatever the store holds when the loop gets to it. Its
// ordering relative to commands published concurrently by other processes
// is not guaranteed.
func (e *Engine) Resync() {
	e.requestResync(triggerManual)
}

func (e *Engine) requestResync(trigger string) {
	select {
	case e.resync <- trigger:
	default:
	}
}

// Start registers the agent, pulls its settings and runs the loop until ctx
// is cancelled. Device failures degrade the agent (status ERROR) but never
// stop the loop. Returns nil on a normal shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Str("event_type", "agent_starting").Dur("poll_interval", e.cfg.PollInterval).Msg("Agent starting")

	if err := e.register(ctx); err != nil {
		return err
	}
	defer e.shutdown()

	// Subscribe before the pull so nothing published during it is lost.
	// Commands queue in the subscription until the loop reads them.
	sub, err := e.subscribe(ctx)
	if err != nil {
		return err
	}
	var events <-chan store.Notification
	var errs <-chan error
	if sub != nil {
		defer sub.Close()
		events, errs = sub.Events(), sub.Errors()
	}

	e.initialize(ctx)
	e.poll(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Shutdown signal received")
			return nil

		case n, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					events = nil
					continue
				}
				return fmt.Errorf("subscription for %s closed unexpectedly", e.cfg.Name)
			}
			e.dispatch(ctx, n)
			e.settle(ctx)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Warn().Err(err).Msg("Subscription error")

		case <-ticker.C:
			e.poll(ctx)
			e.settle(ctx)

		case trigger := <-e.resync:
			e.logger.Info().Str("event_type", "resync").Str("trigger", trigger).Msg("Re-pulling settings")
			metrics.RecordResync(e.cfg.Name, trigger)
			e.initialize(ctx)
		}
	}
}

func (e *Engine) register(ctx context.Context) error {
	payload, err := json.Marshal(e.registry.Registration(e.cfg.Name))
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if _, err := e.store.Set(ctx, schema.RegistrationKey(e.cfg.Name), string(payload)); err != nil {
		return fmt.Errorf("failed to publish registration: %w", err)
	}
	return nil
}

func (e *Engine) subscribe(ctx context.Context) (*store.Subscription, error) {
	patterns := e.registry.CommandPatterns(e.cfg.Name)
	if obs, ok := e.device.(Observer); ok {
		patterns = append(patterns, obs.WatchPatterns()...)
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	sub, err := e.store.Subscribe(ctx, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	e.logger.Debug().Strs("patterns", patterns).Msg("Subscribed")
	return sub, nil
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.setHealth(ctx, schema.HealthOff)
	e.logger.Info().Str("event_type", "agent_stopped").Msg("Agent stopped")
}

// initialize runs device initialization then pulls and applies every owned
// setting. It is used both at startup and for resync.
func (e *Engine) initialize(ctx context.Context) {
	if init, ok := e.device.(Initializer); ok {
		readings, err := call(ctx, e, "init", init.Init)
		if err != nil {
			e.deviceFailed(ctx, "init", err)
			return
		}
		e.write(ctx, readings)
	}

	for _, entry := range e.registry.Owned(e.cfg.Name) {
		if !entry.IsSetting() || entry.CommandOnly {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		value, err := e.pulled(ctx, entry)
		if err != nil {
			e.logger.Error().Err(err).Str("key", entry.Key.String()).Msg("Failed to pull setting")
			continue
		}

		if _, err := e.apply(ctx, entry, value); err != nil {
			if fault.IsDeviceIO(err) {
				// The device is gone. Recovery triggers another resync.
				e.deviceFailed(ctx, "apply", err)
				return
			}
			e.logger.Warn().Err(err).Str("key", entry.Key.String()).Str("value", value.Raw).Msg("Failed to apply setting")
		}
	}
}

// pulled returns the stored value of a setting, or its default when the
// store has none or holds something that no longer validates.
func (e *Engine) pulled(ctx context.Context, entry schema.Entry) (schema.Value, error) {
	raw := entry.Default
	stored, err := e.store.Get(ctx, entry.Key)
	switch {
	case err == nil:
		raw = stored.Value
	case store.IsUnset(err):
	default:
		return schema.Value{}, err
	}

	value, err := e.registry.ValidateSetting(entry.Key, raw)
	if err == nil {
		return value, nil
	}
	e.logger.Warn().Err(err).Str("key", entry.Key.String()).Msg("Stored setting is invalid, using default")
	return e.registry.ValidateSetting(entry.Key, entry.Default)
}

// apply pushes a validated setting to the device and persists the result.
// Returns the persisted value.
func (e *Engine) apply(ctx context.Context, entry schema.Entry, value schema.Value) (string, error) {
	res, err := call(ctx, e, "apply "+entry.Key.Path(), func(ctx context.Context) (Result, error) {
		return e.device.Apply(ctx, entry, value)
	})
	if err != nil {
		// A refused or queued command may still have changed status.
		e.write(ctx, res.Updates)
		return "", err
	}

	persisted := value.Raw
	if res.Value != "" {
		persisted = res.Value
	}
	if !entry.CommandOnly {
		if _, err := e.store.Set(ctx, entry.Key, persisted); err != nil {
			return "", fmt.Errorf("failed to persist setting: %w", err)
		}
	}
	e.write(ctx, res.Updates)
	return persisted, nil
}

func (e *Engine) dispatch(ctx context.Context, n store.Notification) {
	if n.Key.Namespace() == store.NamespaceCommand {
		e.handleCommand(ctx, n)
		return
	}

	obs, ok := e.device.(Observer)
	if !ok {
		return
	}
	readings, err := obs.Observe(ctx, n)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", n.Key.String()).Msg("Failed to handle notification")
	}
	e.write(ctx, readings)
}

func (e *Engine) handleCommand(ctx context.Context, n store.Notification) {
	d := e.router.Route(n)
	if d.Duplicate {
		e.logger.Debug().Str("id", n.ID).Str("key", n.Key.String()).Msg("Skipping duplicate command")
		return
	}
	if d.Err != nil {
		e.logger.Warn().Err(d.Err).Str("key", n.Key.String()).Str("source", n.Source).Msg("Rejected command")
		e.report(ctx, n, OutcomeRejected, d.Err)
		return
	}

	_, err := e.apply(WithCommand(ctx, n), d.Entry, d.Value)
	outcome := OutcomeOf(err)
	switch {
	case err == nil:
		e.logger.Info().Str("event_type", "command_applied").Str("key", n.Key.String()).Str("value", n.Value).Str("source", n.Source).Msg("Applied command")
	case fault.IsDeviceIO(err):
		e.deviceFailed(ctx, "command", err)
	default:
		e.logger.Warn().Err(err).Str("key", n.Key.String()).Str("outcome", string(outcome)).Msg("Command not applied")
	}
	e.report(ctx, n, outcome, err)
}

// settle records the final outcome of commands the device had queued.
func (e *Engine) settle(ctx context.Context) {
	s, ok := e.device.(Settler)
	if !ok {
		return
	}
	for _, st := range s.Settled() {
		outcome := OutcomeOf(st.Err)
		e.logger.Info().
			Err(st.Err).
			Str("event_type", "command_settled").
			Str("id", st.Command.ID).
			Str("key", st.Command.Key.String()).
			Str("outcome", string(outcome)).
			Msg("Queued command settled")
		e.report(ctx, st.Command, outcome, st.Err)
	}
}

func (e *Engine) report(ctx context.Context, n store.Notification, outcome Outcome, err error) {
	metrics.RecordCommand(e.cfg.Name, string(outcome))

	rec := CommandRecord{
		ID:      n.ID,
		Key:     n.Key,
		Value:   n.Value,
		Source:  n.Source,
		Outcome: outcome,
		At:      e.now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	payload, mErr := json.Marshal(rec)
	if mErr != nil {
		e.logger.Error().Err(mErr).Msg("Failed to marshal command record")
		return
	}
	if _, sErr := e.store.Set(ctx, schema.LastCommandKey(e.cfg.Name), string(payload)); sErr != nil {
		e.logger.Error().Err(sErr).Msg("Failed to write last-command")
	}
}

func (e *Engine) poll(ctx context.Context) {
	e.heartbeat(ctx)

	readings, err := call(ctx, e, "poll", e.device.Poll)
	switch {
	case errors.Is(err, ErrDeviceReset):
		e.logger.Warn().Err(err).Msg("Device reset detected")
		e.write(ctx, readings)
		e.requestResync(triggerReset)
		return
	case err != nil:
		e.deviceFailed(ctx, "poll", err)
		return
	}

	e.write(ctx, readings)
	if e.Health() == schema.HealthError {
		e.logger.Info().Msg("Device recovered")
		e.requestResync(triggerRecovered)
	}
	e.setHealth(ctx, schema.HealthOK)
}

func (e *Engine) heartbeat(ctx context.Context) {
	if _, err := e.store.Set(ctx, schema.HeartbeatKey(e.cfg.Name), e.now().UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to write heartbeat")
	}
}

func (e *Engine) deviceFailed(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	metrics.RecordDeviceError(e.cfg.Name, op)
	e.logger.Error().Err(err).Str("event_type", "device_error").Str("op", op).Msg("Device operation failed")
	e.setHealth(ctx, schema.HealthError)
}

// setHealth writes the device status when it changes.
func (e *Engine) setHealth(ctx context.Context, health string) {
	if e.Health() == health {
		return
	}
	if _, err := e.store.Set(ctx, schema.HealthKey(e.cfg.Name), health); err != nil {
		e.logger.Warn().Err(err).Str("health", health).Msg("Failed to write device status")
		return
	}
	e.health.Store(health)
}

// write stores readings. Only keys the agent owns are accepted, and values
// must validate against the schema. Timeseries keys are written as samples.
func (e *Engine) write(ctx context.Context, readings []Reading) {
	for _, r := range readings {
		entry, ok := e.registry.Lookup(r.Key)
		if !ok || entry.Key != r.Key || entry.Owner != e.cfg.Name {
			e.logger.Warn().Str("key", r.Key.String()).Msg("Dropping reading for a key this agent does not own")
			continue
		}

		var value schema.Value
		var err error
		if entry.IsSetting() {
			value, err = e.registry.ValidateSetting(r.Key, r.Value)
		} else {
			value, err = e.registry.ValidateStatus(r.Key, r.Value)
		}
		if err != nil {
			e.logger.Warn().Err(err).Msg("Dropping invalid reading")
			continue
		}

		if entry.Timeseries {
			_, err = e.store.AddSample(ctx, r.Key, value.Float)
		} else {
			_, err = e.store.Set(ctx, r.Key, r.Value)
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("key", r.Key.String()).Msg("Failed to write reading")
			continue
		}
		metrics.RecordStatusWrite(e.cfg.Name)
	}
}

// call runs a device operation with a per-attempt timeout, retrying device
// I/O errors with exponential backoff. Any other error is returned at once.
func call[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	b.MaxInterval = 10 * e.cfg.RetryInterval

	return backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		v, err := fn(callCtx)
		if err != nil && !fault.IsDeviceIO(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug().Err(err).Str("op", op).Dur("retry_in", next).Msg("Retrying device operation")
		}),
	)
}
