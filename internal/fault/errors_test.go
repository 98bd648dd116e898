package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	schema := &SchemaError{Key: "settings:device:sim960:vout-value", Value: "11", Reason: "above maximum 10"}
	pre := &PreconditionError{Op: "ramp", State: "WARM/OPEN", Reason: "heat switch not closed"}
	stale := &StaleStatusError{Key: "status:heatswitch", Age: 90 * time.Second, Threshold: 30 * time.Second}
	dev := &DeviceIOError{Device: "sim921", Op: "query TVAL?", Err: io.ErrUnexpectedEOF}
	conflict := &TransitionConflictError{Op: "cooldown", Position: 1}

	wrapped := fmt.Errorf("failed to apply: %w", schema)
	assert.True(t, IsSchema(wrapped))
	assert.False(t, IsPrecondition(wrapped))

	assert.True(t, IsPrecondition(pre))
	assert.True(t, IsStale(stale))
	assert.True(t, IsDeviceIO(fmt.Errorf("poll: %w", dev)))
	assert.True(t, errors.Is(dev, io.ErrUnexpectedEOF))
	assert.True(t, IsTransitionConflict(conflict))
	assert.False(t, IsDeviceIO(conflict))
}

func TestMessages(t *testing.T) {
	assert.Equal(t,
		`schema error for settings:device:sim960:vout-value="11": above maximum 10`,
		(&SchemaError{Key: "settings:device:sim960:vout-value", Value: "11", Reason: "above maximum 10"}).Error())
	assert.Equal(t,
		"schema error for command:bogus: unknown key",
		(&SchemaError{Key: "command:bogus", Reason: "unknown key"}).Error())
	assert.Contains(t, (&StaleStatusError{Key: "status:temps:lhetank", Age: 1500 * time.Millisecond, Threshold: time.Second}).Error(), "1.5s exceeds 1s")
}
