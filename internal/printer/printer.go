// Package printer formats picc output. Errors are printed to stderr in full
// and returned to cobra as a short error carrying only the title.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/fatih/color"
)

func init() {
	// Users can disable colour with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

// Stdout and Stderr are the destinations; tests replace them.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a green message with a checkmark prefix.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(Stdout, msg)
}

// Info prints an uncoloured message.
func Info(format string, a ...any) {
	fmt.Fprintf(Stdout, format, a...)
}

// Warning prints a yellow message with a warning prefix.
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(Stdout, msg)
}

// Step prints a progress line in a multi-step operation.
func Step(format string, a ...any) {
	cyan.Fprintf(Stdout, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints title, explanation and suggestions to stderr and returns an
// error carrying only the title.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(Stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(Stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(Stderr, "\n")
		for _, k := range keys {
			fmt.Fprintf(Stderr, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(Stderr, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(Stderr, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(Stderr, "  %d. %s\n", i+1, s)
		}
	}

	return fmt.Errorf("%s", title)
}

// Fault prints a domain error with a title and hints chosen by its type.
// Errors outside internal/fault are returned unchanged.
func Fault(err error) error {
	switch {
	case fault.IsSchema(err):
		return Error("invalid value", err.Error(), []string{"Check the key and its allowed values:\n  picc defaults show"})
	case fault.IsPrecondition(err):
		return Error("command refused", err.Error(), []string{"Check the current state:\n  picc status"})
	case fault.IsStale(err):
		return Error("status is stale", err.Error(), []string{"Check that the owning agent is running:\n  picc status --agents"})
	case fault.IsTransitionConflict(err):
		return Error("command queued", err.Error(), []string{"The heat switch is moving; the command runs once it settles"})
	case fault.IsDeviceIO(err):
		return Error("device error", err.Error(), []string{"Check the instrument connection and the agent's log"})
	default:
		return err
	}
}
