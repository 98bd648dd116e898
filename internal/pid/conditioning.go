package pid

import (
	"fmt"
	"math"
)

// Conditioning maps a thermometer resistance to the voltage the SIM921
// hands to the SIM960: Signal(R) = Aout * (R - Offset).
//
// Offset is the resistance at the operating temperature, so the signal is
// zero on setpoint. Aout (the SIM921 VOHM slope) sets how much of the
// controller's input range one ohm of excursion uses.
type Conditioning struct {
	Offset float64 // Ω
	Aout   float64 // V/Ω
}

// Signal returns the conditioned voltage for resistance r.
func (c Conditioning) Signal(r float64) float64 {
	return c.Aout * (r - c.Offset)
}

// NewConditioning picks Aout so that every resistance in [rMin, rMax] maps
// into ±band around zero. The offset must lie inside the range.
func NewConditioning(offset, rMin, rMax, band float64) (Conditioning, error) {
	if band <= 0 {
		return Conditioning{}, fmt.Errorf("signal band must be positive, got %g", band)
	}
	if rMin >= rMax {
		return Conditioning{}, fmt.Errorf("resistance range [%g, %g] is empty", rMin, rMax)
	}
	if offset < rMin || offset > rMax {
		return Conditioning{}, fmt.Errorf("offset %g outside resistance range [%g, %g]", offset, rMin, rMax)
	}

	excursion := math.Max(offset-rMin, rMax-offset)
	if excursion == 0 {
		return Conditioning{}, fmt.Errorf("resistance range has no excursion around offset %g", offset)
	}

	return Conditioning{Offset: offset, Aout: band / excursion}, nil
}
