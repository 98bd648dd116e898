// Package pid holds the control law the director applies to the SIM921/SIM960
// pair: resistance conditioning, polarity derivation from the ADR plant, and
// a supervisor that models the controller output in manual and automatic
// modes.
package pid

import (
	"fmt"
	"strconv"
)

// Polarity is the sign applied to the proportional gain.
type Polarity string

const (
	Positive Polarity = "+"
	Negative Polarity = "-"
)

// Sign returns +1 or -1.
func (p Polarity) Sign() float64 {
	if p == Negative {
		return -1
	}
	return 1
}

// Validate checks if the polarity is one of the defined values.
func (p Polarity) Validate() error {
	switch p {
	case Positive, Negative:
		return nil
	default:
		return fmt.Errorf("invalid polarity: %q", p)
	}
}

// Mode selects which terms of the control law are active.
type Mode string

const (
	ModeP   Mode = "p"
	ModePI  Mode = "pi"
	ModePID Mode = "pid"
)

// Validate checks if the mode is one of the defined values.
func (m Mode) Validate() error {
	switch m {
	case ModeP, ModePI, ModePID:
		return nil
	default:
		return fmt.Errorf("invalid pid mode: %q", m)
	}
}

// Output is the controller's output source.
type Output string

const (
	OutputManual Output = "manual"
	OutputPID    Output = "pid"
)

// Config mirrors the SIM960 settings.
type Config struct {
	Polarity    Polarity
	Mode        Mode
	P, I, D     float64
	Setpoint    float64
	Offset      float64
	VoutMin     float64
	VoutMax     float64
	RampRate    float64 // V/s
	RampEnabled bool
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if err := c.Polarity.Validate(); err != nil {
		return err
	}
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if c.VoutMin > c.VoutMax {
		return fmt.Errorf("vout_min %g exceeds vout_max %g", c.VoutMin, c.VoutMax)
	}
	if c.P <= 0 {
		return fmt.Errorf("p must be positive, got %g", c.P)
	}
	if c.I < 0 || c.D < 0 {
		return fmt.Errorf("i and d must not be negative (i=%g, d=%g)", c.I, c.D)
	}
	if c.RampEnabled && c.RampRate <= 0 {
		return fmt.Errorf("ramp_rate must be positive when ramping is enabled, got %g", c.RampRate)
	}
	return nil
}

// Clamp limits v to [VoutMin, VoutMax].
func (c Config) Clamp(v float64) float64 {
	if v < c.VoutMin {
		return c.VoutMin
	}
	if v > c.VoutMax {
		return c.VoutMax
	}
	return v
}

// ParseConfig builds a Config from SIM960 setting values keyed by their path
// below device:sim960 (e.g. "pid:polarity", "vout-min-limit").
// Values are expected to have passed schema validation already.
func ParseConfig(values map[string]string) (Config, error) {
	cfg := Config{
		Polarity: Polarity(values["pid:polarity"]),
		Mode:     Mode(values["pid:mode"]),
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"pid:p", &cfg.P},
		{"pid:i", &cfg.I},
		{"pid:d", &cfg.D},
		{"pid:offset", &cfg.Offset},
		{"setpoint", &cfg.Setpoint},
		{"vout-min-limit", &cfg.VoutMin},
		{"vout-max-limit", &cfg.VoutMax},
		{"ramp-rate", &cfg.RampRate},
	}
	for _, f := range floats {
		raw, ok := values[f.name]
		if !ok {
			return Config{}, fmt.Errorf("missing sim960 setting %s", f.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse sim960 setting %s: %w", f.name, err)
		}
		*f.dst = v
	}
	cfg.RampEnabled = values["ramp-enable"] == "true"

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
