// Package quench watches the magnet current for the collapse that marks a
// quench and asks the director to abort the cycle when it sees one.
package quench

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/metrics"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/rs/zerolog"
)

// Lookback bounds how far back the first poll searches for a baseline
// sample.
const Lookback = 10 * time.Minute

// hitsToTrip is the number of consecutive over-threshold samples that make
// a quench.
const hitsToTrip = 2

var (
	keyCurrent    = store.StatusKey("highcurrentboard:current")
	keyDerampRate = store.SettingKey("cycle:deramp-rate")
	keyDetected   = store.StatusKey("quench:detected")
	keyDIDT       = store.StatusKey("quench:di-dt")
	cmdAbort      = store.CommandKey("cycle:abort")
)

// Monitor is the quench agent's device. A quench is a current slope at or
// below -factor × the cycle's de-ramp rate.
type Monitor struct {
	store    *store.Client
	registry *schema.Registry
	logger   zerolog.Logger
	now      func() time.Time

	factor     float64
	derampRate float64

	last     *store.Sample
	hits     int
	quenched bool
}

var (
	_ agent.Device      = (*Monitor)(nil)
	_ agent.Initializer = (*Monitor)(nil)
	_ agent.Observer    = (*Monitor)(nil)
)

// NewMonitor returns a monitor using the schema defaults until settings are
// applied.
func NewMonitor(st *store.Client, registry *schema.Registry, logger zerolog.Logger) *Monitor {
	m := &Monitor{store: st, registry: registry, logger: logger, now: time.Now}
	if e, ok := registry.Lookup(store.SettingKey("quench:factor")); ok {
		m.factor, _ = strconv.ParseFloat(e.Default, 64)
	}
	if e, ok := registry.Lookup(keyDerampRate); ok {
		m.derampRate, _ = strconv.ParseFloat(e.Default, 64)
	}
	return m
}

// Threshold is the di/dt at or below which a sample counts as a hit.
func (m *Monitor) Threshold() float64 {
	return -m.factor * m.derampRate
}

// Init reads the de-ramp rate and forgets the baseline so stale history is
// never judged.
func (m *Monitor) Init(ctx context.Context) ([]agent.Reading, error) {
	e, err := m.store.Get(ctx, keyDerampRate)
	switch {
	case err == nil:
		if err := m.setDerampRate(e.Value); err != nil {
			m.logger.Warn().Err(err).Msg("Stored de-ramp rate is invalid, keeping default")
		}
	case !store.IsUnset(err):
		return nil, fmt.Errorf("failed to read de-ramp rate: %w", err)
	}

	m.last = nil
	m.hits = 0
	return []agent.Reading{{Key: keyDetected, Value: strconv.FormatBool(m.quenched)}}, nil
}

// Apply handles quench:factor, the only setting the monitor owns.
func (m *Monitor) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	if entry.Key.Path() != "quench:factor" {
		return agent.Result{}, fmt.Errorf("quench monitor has no setting %s", entry.Key)
	}
	m.factor = value.Float
	return agent.Result{}, nil
}

func (m *Monitor) WatchPatterns() []string {
	return []string{keyDerampRate.String()}
}

func (m *Monitor) Observe(ctx context.Context, n store.Notification) ([]agent.Reading, error) {
	if n.Key != keyDerampRate {
		return nil, nil
	}
	return nil, m.setDerampRate(n.Value)
}

func (m *Monitor) setDerampRate(raw string) error {
	v, err := m.registry.ValidateSetting(keyDerampRate, raw)
	if err != nil {
		return err
	}
	m.derampRate = v.Float
	return nil
}

// Poll judges every current sample recorded since the last one seen.
func (m *Monitor) Poll(ctx context.Context) ([]agent.Reading, error) {
	since := m.now().Add(-Lookback)
	if m.last != nil {
		since = m.last.At.Add(time.Millisecond)
	}
	samples, err := m.store.Range(ctx, keyCurrent, since)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	if m.last == nil {
		m.last = &samples[len(samples)-1]
		return nil, nil
	}

	var out []agent.Reading
	var didt float64
	judged := false
	for i := range samples {
		s := samples[i]
		dt := s.At.Sub(m.last.At).Seconds()
		if dt <= 0 {
			continue
		}
		didt = (s.Value - m.last.Value) / dt
		m.last = &s
		judged = true

		trip, cleared := m.check(didt)
		switch {
		case trip:
			if err := m.trip(ctx, didt); err != nil {
				m.quenched = false
				return out, err
			}
			out = append(out, agent.Reading{Key: keyDetected, Value: "true"})
		case cleared:
			out = append(out, agent.Reading{Key: keyDetected, Value: "false"})
		}
	}
	if judged {
		out = append(out, agent.Reading{Key: keyDIDT, Value: store.FormatFloat(didt)})
	}
	return out, nil
}

// check counts a sample and reports whether it tripped a new quench or
// cleared an old one.
func (m *Monitor) check(didt float64) (trip, cleared bool) {
	if didt > m.Threshold() {
		m.hits = 0
		if m.quenched {
			m.quenched = false
			return false, true
		}
		return false, false
	}
	m.hits++
	if m.hits >= hitsToTrip && !m.quenched {
		m.quenched = true
		return true, false
	}
	return false, false
}

func (m *Monitor) trip(ctx context.Context, didt float64) error {
	metrics.RecordQuench()
	m.logger.Error().
		Str("event_type", "quench").
		Float64("di_dt", didt).
		Float64("threshold", m.Threshold()).
		Msg("Quench detected, aborting cycle")
	if _, err := m.store.Publish(ctx, cmdAbort, "quench"); err != nil {
		return fmt.Errorf("failed to request abort: %w", err)
	}
	return nil
}
