package agent

import (
	"context"
	"errors"

	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
)

// ErrDeviceReset is returned from Poll when the device has lost its
// configuration (power cycle, front-panel reset). The engine re-pulls and
// re-applies every owned setting.
var ErrDeviceReset = errors.New("device reset detected")

// Reading is one value an agent reports. Key is a status key, or one of the
// agent's own settings keys when applying a command changes a sibling
// setting (e.g. a bumpless mode change rewriting the manual output).
type Reading struct {
	Key   store.Key
	Value string
}

// Result is the outcome of applying a setting.
type Result struct {
	// Value is the setting value to persist. Empty means the validated raw
	// value was applied as given.
	Value   string
	Updates []Reading
}

// Device is the hardware behind an agent. The engine calls it from a single
// goroutine.
type Device interface {
	// Apply pushes one validated setting to the hardware.
	Apply(ctx context.Context, entry schema.Entry, value schema.Value) (Result, error)
	// Poll reads the device's status.
	Poll(ctx context.Context) ([]Reading, error)
}

// Initializer is implemented by devices that must identify or configure
// themselves before settings are applied. Init runs at start and before
// each resync.
type Initializer interface {
	Init(ctx context.Context) ([]Reading, error)
}

// Observer is implemented by devices that react to other agents' status.
// Observe receives every notification matching WatchPatterns.
type Observer interface {
	WatchPatterns() []string
	Observe(ctx context.Context, n store.Notification) ([]Reading, error)
}

// Settlement is the final outcome of a command the device earlier reported
// as queued.
type Settlement struct {
	Command store.Notification
	Err     error
}

// Settler is implemented by devices that queue commands. The engine drains
// Settled after every call into the device and records each outcome at
// last-command.
type Settler interface {
	Settled() []Settlement
}

type commandCtxKey struct{}

// WithCommand attaches the command notification being applied to ctx.
func WithCommand(ctx context.Context, n store.Notification) context.Context {
	return context.WithValue(ctx, commandCtxKey{}, n)
}

// CommandFrom returns the command notification Apply is running for. It is
// absent for settings applied at startup or on resync.
func CommandFrom(ctx context.Context) (store.Notification, bool) {
	n, ok := ctx.Value(commandCtxKey{}).(store.Notification)
	return n, ok
}
