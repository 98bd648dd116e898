package pid

import (
	"fmt"
	"strings"

	"github.com/MazinLab/picturec/internal/fault"
)

// Stage is one link of the plant seen by the controller, with the sign and
// rough magnitude of d(out)/d(in).
type Stage struct {
	Name string
	Gain float64
}

// TransferFunction is the chain from controller output to controller input.
type TransferFunction []Stage

// Sign returns +1 or -1 for the composed chain, or 0 if any stage has no
// gain (the loop is open and no polarity regulates it).
func (tf TransferFunction) Sign() float64 {
	if len(tf) == 0 {
		return 0
	}
	sign := 1.0
	for _, s := range tf {
		switch {
		case s.Gain > 0:
		case s.Gain < 0:
			sign = -sign
		default:
			return 0
		}
	}
	return sign
}

func (tf TransferFunction) String() string {
	parts := make([]string, len(tf))
	for i, s := range tf {
		sign := "+"
		if s.Gain < 0 {
			sign = "-"
		} else if s.Gain == 0 {
			sign = "0"
		}
		parts[i] = fmt.Sprintf("%s(%s)", s.Name, sign)
	}
	return strings.Join(parts, " -> ")
}

// ADRChain builds the regulation plant of the ADR: magnet current raises the
// field, field raises the stage temperature, the RuOx thermometer is NTC, and
// the SIM921 conditioning carries the sign of its slope.
func ADRChain(cond Conditioning) TransferFunction {
	return TransferFunction{
		{Name: "current->field", Gain: 1},
		{Name: "field->temperature", Gain: 1},
		{Name: "temperature->resistance", Gain: -1},
		{Name: "resistance->signal", Gain: cond.Aout},
	}
}

// DerivePolarity returns the controller polarity that closes tf into
// negative feedback: negative when the chain inverts, positive otherwise.
func DerivePolarity(tf TransferFunction) (Polarity, error) {
	switch tf.Sign() {
	case 1:
		return Positive, nil
	case -1:
		return Negative, nil
	default:
		return "", fmt.Errorf("transfer function %s has a zero-gain stage", tf)
	}
}

// ValidatePolarity refuses a configuration whose polarity would turn the
// loop into positive feedback.
func ValidatePolarity(cfg Config, tf TransferFunction) error {
	derived, err := DerivePolarity(tf)
	if err != nil {
		return &fault.PreconditionError{Op: "pid", State: "polarity " + string(cfg.Polarity), Reason: err.Error()}
	}
	if derived != cfg.Polarity {
		return &fault.PreconditionError{
			Op:     "pid",
			State:  "polarity " + string(cfg.Polarity),
			Reason: fmt.Sprintf("plant %s requires polarity %s", tf, derived),
		}
	}
	return nil
}
