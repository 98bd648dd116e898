package device

import (
	"context"
	"strings"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/schema"
)

// SIM921 drives the AC resistance bridge reading the device-stage RuOx
// thermometer. Its scaled analog output feeds the SIM960.
type SIM921 struct {
	srs
}

func NewSIM921(conn *Conn) *SIM921 {
	return &SIM921{srs: srs{conn: conn, agent: schema.AgentSIM921, model: "SIM921"}}
}

// Init identifies the bridge and forces the two settings regulation depends
// on: analog output scaled in resistance (ATEM 0) and excitation on.
func (d *SIM921) Init(ctx context.Context) ([]agent.Reading, error) {
	readings, err := d.identify(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.expect(ctx, "ATEM", "0"); err != nil {
		return nil, err
	}
	if err := d.expect(ctx, "EXON", "1"); err != nil {
		return nil, err
	}
	return readings, nil
}

func (d *SIM921) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	return agent.Result{}, d.apply(ctx, entry, value)
}

// Poll reads temperature, resistance and the voltage presented to the
// SIM960.
func (d *SIM921) Poll(ctx context.Context) ([]agent.Reading, error) {
	temp, err := d.queryFloat(ctx, "TVAL")
	if err != nil {
		return nil, err
	}
	res, err := d.queryFloat(ctx, "RVAL")
	if err != nil {
		return nil, err
	}
	vout, err := d.outputVoltage(ctx)
	if err != nil {
		return nil, err
	}
	return []agent.Reading{
		reading("temps:mkidarray:temp", temp),
		reading("temps:mkidarray:resistance", res),
		reading("device:sim921:sim960-vout", vout),
	}, nil
}

func (d *SIM921) outputVoltage(ctx context.Context) (float64, error) {
	aman, err := d.query(ctx, "AMAN")
	if err != nil {
		return 0, err
	}
	switch strings.TrimSpace(aman) {
	case "1":
		return d.queryFloat(ctx, "AOUT")
	case "0":
		slope, err := d.queryFloat(ctx, "VOHM")
		if err != nil {
			return 0, err
		}
		dev, err := d.queryFloat(ctx, "RDEV")
		if err != nil {
			return 0, err
		}
		return slope * dev, nil
	default:
		return 0, d.malformed("AMAN?", aman)
	}
}
