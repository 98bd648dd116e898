package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/schema"
)

// LakeShore240 reads the LN2 (channel 1) and LHe (channel 2) tank diodes.
type LakeShore240 struct {
	conn *Conn
}

func NewLakeShore240(conn *Conn) *LakeShore240 {
	return &LakeShore240{conn: conn}
}

func (d *LakeShore240) Init(ctx context.Context) ([]agent.Reading, error) {
	resp, err := d.conn.Query(ctx, "*IDN?")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) != 4 {
		return nil, &fault.DeviceIOError{Device: schema.AgentLS240, Op: "*IDN?", Err: fmt.Errorf("%w: %q", ErrMalformed, resp)}
	}
	if parts[0] != "LSCI" || !strings.HasPrefix(parts[1], "MODEL240") {
		return nil, &fault.DeviceIOError{Device: schema.AgentLS240, Op: "*IDN?", Err: fmt.Errorf("unsupported device %s/%s", parts[0], parts[1])}
	}
	return identity(schema.AgentLS240, parts[1], parts[2], parts[3]), nil
}

// Apply accepts the curve profile settings. They describe how the diodes
// were calibrated and are not pushed to the instrument.
func (d *LakeShore240) Apply(context.Context, schema.Entry, schema.Value) (agent.Result, error) {
	return agent.Result{}, nil
}

func (d *LakeShore240) Poll(ctx context.Context) ([]agent.Reading, error) {
	ln2, err := d.kelvin(ctx, 1)
	if err != nil {
		return nil, err
	}
	lhe, err := d.kelvin(ctx, 2)
	if err != nil {
		return nil, err
	}
	return []agent.Reading{
		reading("temps:ln2tank", ln2),
		reading("temps:lhetank", lhe),
	}, nil
}

func (d *LakeShore240) kelvin(ctx context.Context, channel int) (float64, error) {
	cmd := fmt.Sprintf("KRDG? %d", channel)
	resp, err := d.conn.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, &fault.DeviceIOError{Device: schema.AgentLS240, Op: cmd, Err: fmt.Errorf("%w: %q", ErrMalformed, resp)}
	}
	return v, nil
}
