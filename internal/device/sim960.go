package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/pid"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
)

// pidTerms maps the pid:mode setting onto the SIM960 term switches.
var pidTerms = map[string][3]string{
	"p":   {"1", "0", "0"},
	"pi":  {"1", "1", "0"},
	"pid": {"1", "1", "1"},
}

// SIM960 drives the analog PID controller whose output sets the magnet
// current through the HCFET.
type SIM960 struct {
	srs

	// polarity is the APOL code last applied; a mismatch on readback means
	// the controller lost its configuration.
	polarity string
	llim     float64
	ulim     float64
}

func NewSIM960(conn *Conn) *SIM960 {
	return &SIM960{srs: srs{conn: conn, agent: schema.AgentSIM960, model: "SIM960"}, llim: -10, ulim: 10}
}

func (d *SIM960) Init(ctx context.Context) ([]agent.Reading, error) {
	return d.identify(ctx)
}

func (d *SIM960) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	switch entry.Key.Path() {
	case "device:sim960:mode":
		return d.switchMode(ctx, pid.Output(value.Raw))

	case "device:sim960:pid:mode":
		terms, ok := pidTerms[value.Raw]
		if !ok {
			return agent.Result{}, &fault.SchemaError{Key: string(entry.Key), Value: value.Raw, Reason: "unknown pid mode"}
		}
		for i, mnemonic := range []string{"PCTL", "ICTL", "DCTL"} {
			if err := d.write(ctx, mnemonic, terms[i]); err != nil {
				return agent.Result{}, err
			}
		}
		return agent.Result{}, nil

	case "device:sim960:pid:polarity":
		if err := d.expect(ctx, "APOL", value.Device); err != nil {
			return agent.Result{}, err
		}
		d.polarity = value.Device
		return agent.Result{}, nil

	case "device:sim960:vout-min-limit":
		if value.Float > d.ulim {
			return agent.Result{}, d.limitError(entry, value, "exceeds vout-max-limit")
		}
		if err := d.apply(ctx, entry, value); err != nil {
			return agent.Result{}, err
		}
		d.llim = value.Float
		return agent.Result{}, nil

	case "device:sim960:vout-max-limit":
		if value.Float < d.llim {
			return agent.Result{}, d.limitError(entry, value, "below vout-min-limit")
		}
		if err := d.apply(ctx, entry, value); err != nil {
			return agent.Result{}, err
		}
		d.ulim = value.Float
		return agent.Result{}, nil

	case "device:sim960:vout-value":
		// Manual output never leaves the configured limits.
		v := value.Float
		if v < d.llim {
			v = d.llim
		}
		if v > d.ulim {
			v = d.ulim
		}
		formatted := strconv.FormatFloat(v, 'f', 3, 64)
		if err := d.write(ctx, "MOUT", formatted); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Value: store.FormatFloat(v)}, nil
	}

	return agent.Result{}, d.apply(ctx, entry, value)
}

func (d *SIM960) limitError(entry schema.Entry, value schema.Value, reason string) error {
	return &fault.SchemaError{
		Key:    string(entry.Key),
		Value:  value.Raw,
		Reason: fmt.Sprintf("%s (limits are %s..%s)", reason, store.FormatFloat(d.llim), store.FormatFloat(d.ulim)),
	}
}

// switchMode changes AMAN without a step in the output: the register that
// will drive the output after the switch is preloaded with what the output
// is doing now.
func (d *SIM960) switchMode(ctx context.Context, to pid.Output) (agent.Result, error) {
	observed, err := d.queryFloat(ctx, "OMON")
	if err != nil {
		return agent.Result{}, err
	}
	manual, err := d.queryFloat(ctx, "MOUT")
	if err != nil {
		return agent.Result{}, err
	}

	h := pid.Handover(to, manual, observed)
	formatted := strconv.FormatFloat(h.Value, 'f', 3, 64)
	if err := d.write(ctx, h.Register, formatted); err != nil {
		return agent.Result{}, err
	}

	aman := "0"
	sibling := "device:sim960:vout-value"
	if to == pid.OutputPID {
		aman = "1"
		sibling = "device:sim960:pid:offset"
	}
	if err := d.write(ctx, "AMAN", aman); err != nil {
		return agent.Result{}, err
	}

	return agent.Result{Updates: []agent.Reading{
		{Key: store.SettingKey(sibling), Value: store.FormatFloat(h.Value)},
		reading("device:sim960:hcfet-control-voltage", observed),
	}}, nil
}

// Poll reads the input and output monitors and checks for a reset.
func (d *SIM960) Poll(ctx context.Context) ([]agent.Reading, error) {
	if d.polarity != "" {
		got, err := d.query(ctx, "APOL")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(got) != d.polarity {
			return nil, fmt.Errorf("%w: sim960 polarity reads %q, applied %q", agent.ErrDeviceReset, got, d.polarity)
		}
	}

	vin, err := d.queryFloat(ctx, "MMON")
	if err != nil {
		return nil, err
	}
	vout, err := d.queryFloat(ctx, "OMON")
	if err != nil {
		return nil, err
	}
	return []agent.Reading{
		reading("device:sim960:vin", vin),
		reading("device:sim960:hcfet-control-voltage", vout),
	}, nil
}
