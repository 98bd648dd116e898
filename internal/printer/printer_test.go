package printer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevColor := Stdout, Stderr, color.NoColor
	Stdout, Stderr, color.NoColor = &out, &errOut, true
	t.Cleanup(func() { Stdout, Stderr, color.NoColor = prevOut, prevErr, prevColor })
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title only", func(t *testing.T) {
		_, stderr := capture(t)
		err := Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Equal(t, "Test Error\n\nThis is a test error\n", stderr.String())
	})

	t.Run("numbers multiple suggestions", func(t *testing.T) {
		_, stderr := capture(t)
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Equal(t, "Test Error", err.Error())
		assert.Contains(t, stderr.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, stderr := capture(t)
	err := ErrorWithContext("Test Error", "", map[string]string{
		"Key":   "settings:cycle:ramp-rate",
		"Agent": "director",
	}, []string{"Fix it"})
	assert.Equal(t, "Test Error", err.Error())
	assert.Equal(t, "Test Error\n\n\n  Agent: director\n  Key: settings:cycle:ramp-rate\n\nFix it\n", stderr.String())
}

func TestSuccessAndWarning(t *testing.T) {
	stdout, _ := capture(t)
	Success("applied\n")
	Success("✓ done\n")
	Warning("stale\n")
	assert.Equal(t, "✓ applied\n✓ done\n⚠️  stale\n", stdout.String())
}

func TestFault(t *testing.T) {
	_, stderr := capture(t)

	err := Fault(&fault.PreconditionError{Op: "ramp", State: "OPEN", Reason: "heat switch must be closed"})
	assert.Equal(t, "command refused", err.Error())
	assert.Contains(t, stderr.String(), "picc status")

	plain := errors.New("boom")
	assert.Same(t, plain, Fault(plain))
}
