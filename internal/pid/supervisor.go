package pid

import (
	"math"

	"github.com/MazinLab/picturec/internal/fault"
)

// Supervisor models the SIM960 output. In manual mode it slews toward an
// operator target; in automatic mode it evaluates
//
//	offset + pol*p*(e + i*∫e + d*de/dt),  e = setpoint - measured
//
// with the integral and derivative terms gated by the mode. Every output is
// clamped to [VoutMin, VoutMax]. A Supervisor is not safe for concurrent use.
type Supervisor struct {
	cfg   Config
	plant TransferFunction

	output Output
	out    float64
	target float64

	integral float64
	prevErr  float64
	havePrev bool
	preload  bool
}

// NewSupervisor returns a supervisor in manual mode with its output at
// initial. plant may be nil, in which case automatic mode is not polarity
// checked.
func NewSupervisor(cfg Config, plant TransferFunction, initial float64) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := cfg.Clamp(initial)
	return &Supervisor{cfg: cfg, plant: plant, output: OutputManual, out: out, target: out}, nil
}

func (s *Supervisor) Config() Config  { return s.cfg }
func (s *Supervisor) Mode() Output    { return s.output }
func (s *Supervisor) Output() float64 { return s.out }
func (s *Supervisor) Target() float64 { return s.target }

// SetOutput records an output observed on the device.
func (s *Supervisor) SetOutput(v float64) { s.out = s.cfg.Clamp(v) }

// Reconfigure replaces the configuration, keeping the current output
// (clamped to the new limits) and integrator state.
func (s *Supervisor) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	s.out = cfg.Clamp(s.out)
	s.target = cfg.Clamp(s.target)
	return nil
}

// SetManual sets the manual target and returns it after clamping.
func (s *Supervisor) SetManual(v float64) float64 {
	s.target = s.cfg.Clamp(v)
	return s.target
}

// AtTarget reports whether the manual output has reached its target.
func (s *Supervisor) AtTarget() bool {
	return s.out == s.target
}

// Step advances the model by dt seconds and returns the new output.
// measured is the conditioned signal and is ignored in manual mode.
func (s *Supervisor) Step(measured, dt float64) float64 {
	if s.output == OutputManual {
		if s.cfg.RampEnabled {
			s.out = s.cfg.Clamp(RampToward(s.out, s.target, s.cfg.RampRate, dt))
		} else {
			s.out = s.target
		}
		return s.out
	}

	pol := s.cfg.Polarity.Sign()
	e := s.cfg.Setpoint - measured

	deriv := 0.0
	if s.cfg.Mode == ModePID && s.havePrev && dt > 0 {
		deriv = (e - s.prevErr) / dt
	}
	s.prevErr, s.havePrev = e, true

	integral := s.integral
	if s.cfg.Mode != ModeP {
		integral += e * dt
	}

	if s.preload {
		// First automatic step: fold the whole control term into the offset
		// so the output continues from where manual left it.
		s.cfg.Offset = s.out - pol*s.cfg.P*(e+s.cfg.I*integral+s.cfg.D*deriv)
		s.preload = false
	}

	raw := s.cfg.Offset + pol*s.cfg.P*(e+s.cfg.I*integral+s.cfg.D*deriv)
	clamped := s.cfg.Clamp(raw)

	// Conditional integration: keep the new integral unless it drove the
	// output further into saturation.
	if clamped == raw || math.Abs(integral) < math.Abs(s.integral) {
		s.integral = integral
	}

	s.out = clamped
	return s.out
}

// SwitchMode moves between manual and automatic output without a bump.
// observed is the output the controller is actually producing. Switching to
// automatic is refused with a PreconditionError if the configured polarity
// disagrees with the plant.
func (s *Supervisor) SwitchMode(to Output, observed float64) error {
	if to == s.output {
		return nil
	}
	switch to {
	case OutputManual:
		s.out = s.cfg.Clamp(observed)
		s.target = s.out
	case OutputPID:
		if s.plant != nil {
			if err := ValidatePolarity(s.cfg, s.plant); err != nil {
				return err
			}
		}
		s.out = s.cfg.Clamp(observed)
		s.integral = 0
		s.havePrev = false
		s.preload = true
	default:
		return &fault.PreconditionError{Op: "pid:switch", State: string(s.output), Reason: "unknown output mode " + string(to)}
	}
	s.output = to
	return nil
}

// RampToward moves current toward target by at most rate*dt. A non-positive
// rate jumps straight to the target.
func RampToward(current, target, rate, dt float64) float64 {
	if rate <= 0 {
		return target
	}
	if dt <= 0 {
		return current
	}
	step := rate * dt
	switch {
	case target > current+step:
		return current + step
	case target < current-step:
		return current - step
	default:
		return target
	}
}

// Handoff is the register write the controller needs before its output
// source changes.
type Handoff struct {
	Register string
	Value    float64
}

// Handover returns the preload for a SIM960 mode change. Going to manual the
// manual output (MOUT) takes the observed output; going to pid the offset
// (OFST) takes the present manual output, so the first automatic output
// starts where manual left off.
func Handover(to Output, manualOut, observedOut float64) Handoff {
	if to == OutputManual {
		return Handoff{Register: "MOUT", Value: observedOut}
	}
	return Handoff{Register: "OFST", Value: manualOut}
}
