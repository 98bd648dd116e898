package pid

import (
	"math"
	"testing"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(pol Polarity, mode Mode) Config {
	return Config{
		Polarity: pol,
		Mode:     mode,
		P:        1,
		I:        0.5,
		VoutMin:  -10,
		VoutMax:  10,
		RampRate: 0.5,
	}
}

func TestConditioningSignal(t *testing.T) {
	c := Conditioning{Offset: 19400.5, Aout: 1e-5}

	assert.Equal(t, 0.0, c.Signal(19400.5))
	assert.InDelta(t, -0.184, c.Signal(1000), 1e-3)
	assert.InDelta(t, 0.456, c.Signal(65000), 1e-3)
}

func TestNewConditioning(t *testing.T) {
	c, err := NewConditioning(19400.5, 1000, 65000, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c.Signal(65000), 1e-12)
	assert.GreaterOrEqual(t, c.Signal(1000), -1.0)
	assert.Equal(t, 0.0, c.Signal(19400.5))

	_, err = NewConditioning(500, 1000, 65000, 1)
	assert.Error(t, err)
	_, err = NewConditioning(2000, 1000, 65000, 0)
	assert.Error(t, err)
	_, err = NewConditioning(2000, 3000, 1000, 1)
	assert.Error(t, err)
}

func TestDerivePolarity(t *testing.T) {
	p, err := DerivePolarity(ADRChain(Conditioning{Offset: 19400.5, Aout: 1e-5}))
	require.NoError(t, err)
	assert.Equal(t, Negative, p)

	p, err = DerivePolarity(ADRChain(Conditioning{Offset: 19400.5, Aout: -1e-5}))
	require.NoError(t, err)
	assert.Equal(t, Positive, p)

	_, err = DerivePolarity(ADRChain(Conditioning{Offset: 19400.5}))
	assert.Error(t, err)
}

func TestValidatePolarity(t *testing.T) {
	plant := ADRChain(Conditioning{Offset: 19400.5, Aout: 1e-5})

	assert.NoError(t, ValidatePolarity(testConfig(Negative, ModePI), plant))

	err := ValidatePolarity(testConfig(Positive, ModePI), plant)
	require.Error(t, err)
	assert.True(t, fault.IsPrecondition(err))
	assert.Contains(t, err.Error(), "requires polarity -")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig(Negative, ModePID).Validate())

	bad := testConfig(Negative, ModePI)
	bad.VoutMin, bad.VoutMax = 1, -1
	assert.Error(t, bad.Validate())

	bad = testConfig(Negative, ModePI)
	bad.P = 0
	assert.Error(t, bad.Validate())

	bad = testConfig(Negative, ModePI)
	bad.RampEnabled, bad.RampRate = true, 0
	assert.Error(t, bad.Validate())

	bad = testConfig("x", ModePI)
	assert.Error(t, bad.Validate())
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{
		"pid:polarity":   "-",
		"pid:mode":       "pi",
		"pid:p":          "2",
		"pid:i":          "0.1",
		"pid:d":          "0",
		"pid:offset":     "0",
		"setpoint":       "0",
		"vout-min-limit": "-0.1",
		"vout-max-limit": "10",
		"ramp-rate":      "0.005",
		"ramp-enable":    "true",
	})
	require.NoError(t, err)
	assert.Equal(t, Negative, cfg.Polarity)
	assert.Equal(t, ModePI, cfg.Mode)
	assert.Equal(t, 2.0, cfg.P)
	assert.Equal(t, -0.1, cfg.VoutMin)
	assert.True(t, cfg.RampEnabled)

	_, err = ParseConfig(map[string]string{"pid:polarity": "-", "pid:mode": "pi"})
	assert.ErrorContains(t, err, "missing sim960 setting")
}

func TestManualRampAndClamp(t *testing.T) {
	cfg := testConfig(Negative, ModePI)
	cfg.RampEnabled = true
	s, err := NewSupervisor(cfg, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 2.0, s.SetManual(2))
	var outs []float64
	for i := 0; i < 5; i++ {
		outs = append(outs, s.Step(0, 1))
	}
	assert.Equal(t, []float64{0.5, 1, 1.5, 2, 2}, outs)
	assert.True(t, s.AtTarget())

	assert.Equal(t, 10.0, s.SetManual(20))
	assert.Equal(t, -10.0, s.SetManual(-20))

	cfg.RampEnabled = false
	require.NoError(t, s.Reconfigure(cfg))
	s.SetManual(3)
	assert.Equal(t, 3.0, s.Step(0, 1))
}

func TestRampToward(t *testing.T) {
	assert.Equal(t, 0.5, RampToward(0, 2, 0.5, 1))
	assert.Equal(t, 1.5, RampToward(2, 0, 0.5, 1))
	assert.Equal(t, 2.0, RampToward(1.9, 2, 0.5, 1))
	assert.Equal(t, 2.0, RampToward(0, 2, 0, 1))
	assert.Equal(t, 1.0, RampToward(1, 2, 0.5, 0))
}

func TestSwitchModeIsBumpless(t *testing.T) {
	plant := ADRChain(Conditioning{Offset: 19400.5, Aout: 1e-5})
	s, err := NewSupervisor(testConfig(Negative, ModePI), plant, 2)
	require.NoError(t, err)

	require.NoError(t, s.SwitchMode(OutputPID, 2))
	assert.InDelta(t, 2.0, s.Step(0.3, 0.1), 1e-12)
	after := s.Step(0.3, 0.1)
	assert.NotEqual(t, 2.0, after)

	require.NoError(t, s.SwitchMode(OutputManual, 3.1))
	assert.Equal(t, OutputManual, s.Mode())
	assert.Equal(t, 3.1, s.Step(0, 0.1))
}

func TestSwitchModeRefusesWrongPolarity(t *testing.T) {
	plant := ADRChain(Conditioning{Offset: 19400.5, Aout: 1e-5})
	s, err := NewSupervisor(testConfig(Positive, ModePI), plant, 0)
	require.NoError(t, err)

	err = s.SwitchMode(OutputPID, 0)
	require.Error(t, err)
	assert.True(t, fault.IsPrecondition(err))
	assert.Equal(t, OutputManual, s.Mode())
}

// simulate closes the loop around an integrating, net-inverting plant:
// more output drives the conditioned signal down.
func simulate(t *testing.T, pol Polarity) float64 {
	t.Helper()
	const (
		gain = -0.5
		dt   = 0.1
	)
	s, err := NewSupervisor(testConfig(pol, ModePI), nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.SwitchMode(OutputPID, 0))

	y := 0.2
	for i := 0; i < 2000; i++ {
		u := s.Step(y, dt)
		assert.GreaterOrEqual(t, u, -10.0)
		assert.LessOrEqual(t, u, 10.0)
		y += dt * gain * u
	}
	return y
}

func TestPolarityConvergence(t *testing.T) {
	assert.Less(t, math.Abs(simulate(t, Negative)), 1e-3, "negative polarity must regulate an inverting plant")
	assert.Greater(t, math.Abs(simulate(t, Positive)), 1.0, "positive polarity must run away")
}

func TestAntiWindup(t *testing.T) {
	s, err := NewSupervisor(testConfig(Positive, ModePI), nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.SwitchMode(OutputPID, 0))

	for i := 0; i < 500; i++ {
		s.Step(-5, 0.1)
	}
	assert.Equal(t, 10.0, s.Output())

	assert.Less(t, s.Step(5, 0.1), 10.0)
}

func TestHandover(t *testing.T) {
	assert.Equal(t, Handoff{Register: "MOUT", Value: 1.25}, Handover(OutputManual, 0.5, 1.25))
	assert.Equal(t, Handoff{Register: "OFST", Value: 0.5}, Handover(OutputPID, 0.5, 1.25))
}
