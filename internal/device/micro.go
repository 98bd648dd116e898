package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
)

// adcVolts converts a 10-bit Arduino ADC count to volts.
func adcVolts(count float64) float64 {
	return count * (5.0 / 1023.0)
}

// micro is the single-character protocol of the Arduino boards. A reply is
// one <...> frame whose last field echoes the command character.
type micro struct {
	conn      *Conn
	agent     string
	firmwares []float64
}

func newMicroConn(name string, port Port, opts ...ConnOption) *Conn {
	opts = append([]ConnOption{WithFramer(NewFrameReader(DefaultMaxFrame))}, opts...)
	return NewConn(name, port, opts...)
}

// query sends cmd and returns the reply fields with the echo stripped.
func (m *micro) query(ctx context.Context, cmd string) ([]string, error) {
	resp, err := m.conn.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 || fields[len(fields)-1] != cmd {
		return nil, &fault.DeviceIOError{Device: m.agent, Op: cmd, Err: fmt.Errorf("%w: %q does not echo %q", ErrMalformed, resp, cmd)}
	}
	return fields[:len(fields)-1], nil
}

func (m *micro) floats(ctx context.Context, cmd string, want int) ([]float64, error) {
	fields, err := m.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(fields) != want {
		return nil, &fault.DeviceIOError{Device: m.agent, Op: cmd, Err: fmt.Errorf("%w: expected %d values, got %d", ErrMalformed, want, len(fields))}
	}
	out := make([]float64, want)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, &fault.DeviceIOError{Device: m.agent, Op: cmd, Err: fmt.Errorf("%w: %q is not a number", ErrMalformed, f)}
		}
		out[i] = v
	}
	return out, nil
}

// firmware reads the version with "v" and checks it against the allow-list.
func (m *micro) firmware(ctx context.Context) (agent.Reading, error) {
	vals, err := m.floats(ctx, "v", 1)
	if err != nil {
		return agent.Reading{}, err
	}
	for _, ok := range m.firmwares {
		if vals[0] == ok {
			return agent.Reading{
				Key:   store.StatusKey("device:" + m.agent + ":firmware"),
				Value: strconv.FormatFloat(vals[0], 'f', 1, 64),
			}, nil
		}
	}
	return agent.Reading{}, &fault.DeviceIOError{Device: m.agent, Op: "v", Err: fmt.Errorf("unsupported firmware %g", vals[0])}
}

// Currentduino reads the magnet current off the high-current board and
// drives the heat switch actuator.
type Currentduino struct {
	micro
}

// Voltage divider on the high-current board's sense line.
const (
	currentR1 = 11790.0
	currentR2 = 11690.0
)

// NewCurrentduino wraps port with the framed protocol.
func NewCurrentduino(port Port, opts ...ConnOption) *Currentduino {
	return &Currentduino{micro: micro{
		conn:      newMicroConn(schema.AgentCurrentduino, port, opts...),
		agent:     schema.AgentCurrentduino,
		firmwares: []float64{0.0, 0.1, 0.2},
	}}
}

// MagnetCurrent converts a sense-line ADC count to amps.
func MagnetCurrent(count float64) float64 {
	return adcVolts(count) * ((currentR1 + currentR2) / currentR2)
}

func (d *Currentduino) Init(ctx context.Context) ([]agent.Reading, error) {
	fw, err := d.firmware(ctx)
	if err != nil {
		return nil, err
	}
	return []agent.Reading{fw}, nil
}

func (d *Currentduino) Apply(ctx context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	if entry.Key.Path() != "device:currentduino:heatswitch" {
		return agent.Result{}, nil
	}

	// The board pulses the actuator and echoes the command once the pulse
	// is done.
	if _, err := d.query(ctx, value.Device); err != nil {
		return agent.Result{}, err
	}
	pos, err := d.position(ctx)
	if err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Updates: []agent.Reading{{Key: store.StatusKey("heatswitch"), Value: pos}}}, nil
}

// position asks the board's limit sensing which end the switch is at.
func (d *Currentduino) position(ctx context.Context) (string, error) {
	high, err := d.floats(ctx, "h", 1)
	if err != nil {
		return "", err
	}
	low, err := d.floats(ctx, "l", 1)
	if err != nil {
		return "", err
	}
	switch {
	case high[0] == 1 && low[0] == 0:
		return "open", nil
	case high[0] == 0 && low[0] == 1:
		return "close", nil
	default:
		return "unknown", nil
	}
}

func (d *Currentduino) Poll(ctx context.Context) ([]agent.Reading, error) {
	vals, err := d.floats(ctx, "?", 1)
	if err != nil {
		return nil, err
	}
	pos, err := d.position(ctx)
	if err != nil {
		return nil, err
	}
	return []agent.Reading{
		reading("highcurrentboard:current", MagnetCurrent(vals[0])),
		{Key: store.StatusKey("highcurrentboard:powered"), Value: "on"},
		{Key: store.StatusKey("heatswitch"), Value: pos},
	}, nil
}

// hemtReadings are the three values the hemtduino reports per feedline, in
// wire order.
var hemtReadings = []string{"gate-voltage-bias", "drain-current-bias", "drain-voltage-bias"}

// Hemtduino monitors the HEMT bias lines of all five feedlines.
type Hemtduino struct {
	micro
	enabled bool
}

func NewHemtduino(port Port, opts ...ConnOption) *Hemtduino {
	return &Hemtduino{micro: micro{
		conn:      newMicroConn(schema.AgentHemtduino, port, opts...),
		agent:     schema.AgentHemtduino,
		firmwares: []float64{0.1},
	}, enabled: true}
}

func (d *Hemtduino) Init(ctx context.Context) ([]agent.Reading, error) {
	fw, err := d.firmware(ctx)
	if err != nil {
		return nil, err
	}
	return []agent.Reading{fw}, nil
}

func (d *Hemtduino) Apply(_ context.Context, entry schema.Entry, value schema.Value) (agent.Result, error) {
	if entry.Key.Path() == "device:hemtduino:hemts-enabled" {
		d.enabled = value.Bool
	}
	return agent.Result{}, nil
}

// Poll reads all 15 bias values. The board reports feedline 5 first; the
// first value of each triple is the gate bias, centred on 2.5 V and scaled
// by two.
func (d *Hemtduino) Poll(ctx context.Context) ([]agent.Reading, error) {
	vals, err := d.floats(ctx, "?", schema.FeedlineCount*len(hemtReadings))
	if err != nil {
		return nil, err
	}

	powered := strconv.FormatBool(d.enabled)
	out := make([]agent.Reading, 0, len(vals)+schema.FeedlineCount)
	for i, raw := range vals {
		feedline := schema.FeedlineCount - i/len(hemtReadings)
		name := hemtReadings[i%len(hemtReadings)]
		v := adcVolts(raw)
		if i%len(hemtReadings) == 0 {
			v = 2 * (v - 2.5)
		}
		out = append(out, agent.Reading{Key: schema.FeedlineKey(feedline, name), Value: store.FormatFloat(v)})
	}
	for n := 1; n <= schema.FeedlineCount; n++ {
		out = append(out, agent.Reading{Key: schema.FeedlineKey(n, "powered"), Value: powered})
	}
	return out, nil
}
