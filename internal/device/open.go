package device

import (
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/rs/zerolog"
)

// New builds the driver for a hardware agent over an open port.
func New(name string, port Port, timeout time.Duration, logger zerolog.Logger) (agent.Device, error) {
	opts := []ConnOption{WithTimeout(timeout), WithLogger(logger)}
	switch name {
	case schema.AgentSIM921:
		return NewSIM921(NewConn(name, port, opts...)), nil
	case schema.AgentSIM960:
		return NewSIM960(NewConn(name, port, opts...)), nil
	case schema.AgentLS240:
		return NewLakeShore240(NewConn(name, port, opts...)), nil
	case schema.AgentCurrentduino:
		return NewCurrentduino(port, opts...), nil
	case schema.AgentHemtduino:
		return NewHemtduino(port, opts...), nil
	default:
		return nil, fmt.Errorf("agent %s has no serial device", name)
	}
}
