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

const srsManufacturer = "Stanford_Research_Systems"

// srs holds what the SIM921 and SIM960 drivers share: *IDN? identification
// and mnemonic-based setting writes.
type srs struct {
	conn  *Conn
	agent string
	model string
}

// identify checks *IDN? and returns the model, serial and firmware readings.
func (s *srs) identify(ctx context.Context) ([]agent.Reading, error) {
	resp, err := s.conn.Query(ctx, "*IDN?")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(resp, ",")
	if len(parts) != 4 {
		return nil, s.malformed("*IDN?", resp)
	}
	manufacturer, model, sn, firmware := parts[0], parts[1], parts[2], parts[3]
	if manufacturer != srsManufacturer || model != s.model {
		return nil, &fault.DeviceIOError{
			Device: s.agent,
			Op:     "*IDN?",
			Err:    fmt.Errorf("unsupported device %s/%s", manufacturer, model),
		}
	}
	return identity(s.agent, model, sn, firmware), nil
}

// write sends "<mnemonic> <arg>". SRS set commands do not reply.
func (s *srs) write(ctx context.Context, mnemonic, arg string) error {
	return s.conn.Send(ctx, mnemonic+" "+arg)
}

// apply writes a schema setting through its DeviceCommand. Settings with no
// mnemonic are bookkeeping only and succeed without touching the device.
func (s *srs) apply(ctx context.Context, entry schema.Entry, value schema.Value) error {
	if entry.DeviceCommand == "" {
		return nil
	}
	return s.write(ctx, entry.DeviceCommand, deviceArg(value))
}

func (s *srs) query(ctx context.Context, mnemonic string) (string, error) {
	return s.conn.Query(ctx, mnemonic+"?")
}

func (s *srs) queryFloat(ctx context.Context, mnemonic string) (float64, error) {
	resp, err := s.query(ctx, mnemonic)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, s.malformed(mnemonic+"?", resp)
	}
	return v, nil
}

// expect writes a setting and reads it back, failing if the device did not
// take it.
func (s *srs) expect(ctx context.Context, mnemonic, arg string) error {
	if err := s.write(ctx, mnemonic, arg); err != nil {
		return err
	}
	got, err := s.query(ctx, mnemonic)
	if err != nil {
		return err
	}
	if strings.TrimSpace(got) != arg {
		return &fault.DeviceIOError{Device: s.agent, Op: mnemonic, Err: fmt.Errorf("wrote %s, read back %q", arg, got)}
	}
	return nil
}

func (s *srs) malformed(op, resp string) error {
	return &fault.DeviceIOError{Device: s.agent, Op: op, Err: fmt.Errorf("%w: %q", ErrMalformed, resp)}
}

// deviceArg renders a validated value the way SRS and LakeShore firmware
// expect it.
func deviceArg(v schema.Value) string {
	switch v.Kind {
	case schema.KindEnum:
		return v.Device
	case schema.KindBool:
		if v.Bool {
			return "1"
		}
		return "0"
	default:
		return v.Raw
	}
}

func identity(agentName, model, sn, firmware string) []agent.Reading {
	prefix := "device:" + agentName + ":"
	return []agent.Reading{
		{Key: store.StatusKey(prefix + "model"), Value: model},
		{Key: store.StatusKey(prefix + "sn"), Value: sn},
		{Key: store.StatusKey(prefix + "firmware"), Value: firmware},
	}
}

func reading(path string, v float64) agent.Reading {
	return agent.Reading{Key: store.StatusKey(path), Value: store.FormatFloat(v)}
}
