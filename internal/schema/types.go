package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/pkg/store"
)

// SchemaVersion identifies the layout of the static table. Agents publish it
// in their registration so mixed deployments are visible.
const SchemaVersion = "1"

// Kind is the declared type of a key's value.
type Kind string

const (
	KindBool   Kind = "bool"
	KindFloat  Kind = "float"
	KindInt    Kind = "int"
	KindEnum   Kind = "enum"
	KindString Kind = "string"
)

// Validate checks if the kind is one of the defined values.
func (k Kind) Validate() error {
	switch k {
	case KindBool, KindFloat, KindInt, KindEnum, KindString:
		return nil
	default:
		return fmt.Errorf("unknown kind: %q", k)
	}
}

// Entry describes one settings or status key.
type Entry struct {
	Key           store.Key         // settings:<path> or status:<path>
	Owner         string            // Agent that alone may write the key
	Kind          Kind              // Declared value type
	Default       string            // Settings only; applied when the store has no value
	Choices       map[string]string // Enum value -> device code
	Min, Max      float64           // Range, when Bounded
	Bounded       bool              // Whether Min/Max apply
	Writable      bool              // Exposed as command:<path>
	CommandOnly   bool              // Command with no persisted setting, e.g. cycle:cooldown
	DeviceCommand string            // Instrument mnemonic, e.g. "RANG"
	Staleness     time.Duration     // Status only; zero means never stale
	Timeseries    bool              // Status written as samples
	Unit          string
}

// IsSetting reports whether the entry describes a settings key.
func (e Entry) IsSetting() bool {
	return e.Key.Namespace() == store.NamespaceSettings
}

// CommandKey returns the command key that targets this entry.
func (e Entry) CommandKey() store.Key {
	return e.Key.In(store.NamespaceCommand)
}

// ChoiceList returns the enum values in sorted order.
func (e Entry) ChoiceList() []string {
	out := make([]string, 0, len(e.Choices))
	for c := range e.Choices {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Value is a validated value. Raw is exactly what was submitted; validation
// never rewrites it.
type Value struct {
	Raw    string
	Kind   Kind
	Bool   bool
	Float  float64
	Int    int64
	Device string // Device code for enums, empty otherwise
}

// parse validates raw against the entry's kind and constraints.
func (e Entry) parse(raw string) (Value, error) {
	v := Value{Raw: raw, Kind: e.Kind}
	reject := func(format string, args ...any) (Value, error) {
		return Value{}, &fault.SchemaError{Key: string(e.Key), Value: raw, Reason: fmt.Sprintf(format, args...)}
	}

	switch e.Kind {
	case KindBool:
		switch raw {
		case "true":
			v.Bool = true
		case "false":
		default:
			return reject("expected true or false")
		}

	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return reject("not a number")
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return reject("not a finite number")
		}
		if e.Bounded && (f < e.Min || f > e.Max) {
			return reject("outside [%g, %g]", e.Min, e.Max)
		}
		v.Float = f

	case KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return reject("not an integer")
		}
		if e.Bounded && (float64(i) < e.Min || float64(i) > e.Max) {
			return reject("outside [%g, %g]", e.Min, e.Max)
		}
		v.Int = i
		v.Float = float64(i)

	case KindEnum:
		code, ok := e.Choices[raw]
		if !ok {
			return reject("expected one of %v", e.ChoiceList())
		}
		v.Device = code

	case KindString:

	default:
		return reject("unknown kind %q", e.Kind)
	}

	return v, nil
}

// Registration is what an agent announces at startup.
type Registration struct {
	Name            string      `json:"name"`
	SchemaVersion   string      `json:"schema_version"`
	OwnedSettings   []store.Key `json:"owned_setting_keys"`
	OwnedStatus     []store.Key `json:"owned_status_keys"`
	ExposedCommands []store.Key `json:"exposed_command_keys"`
}
