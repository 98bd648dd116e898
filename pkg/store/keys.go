package store

import (
	"fmt"
	"strings"
)

// Namespace is the prefix that determines how a key is treated.
type Namespace string

const (
	// NamespaceSettings holds current, agent-owned configuration values.
	NamespaceSettings Namespace = "settings"
	// NamespaceCommand holds ephemeral requests. Commands are published, never stored.
	NamespaceCommand Namespace = "command"
	// NamespaceStatus holds agent-reported state which may go stale.
	NamespaceStatus Namespace = "status"
)

// Validate checks that the namespace is one of the three known prefixes.
func (n Namespace) Validate() error {
	switch n {
	case NamespaceSettings, NamespaceCommand, NamespaceStatus:
		return nil
	default:
		return fmt.Errorf("unknown namespace: %q", n)
	}
}

// Key is a namespaced identifier such as "settings:device:sim960:vout-value".
// The same string names the Redis hash holding the value and the Pub/Sub
// channel carrying its change notifications.
type Key string

// SettingKey returns the settings key for a path.
// Pattern: settings:{path}
func SettingKey(path string) Key {
	return Key(string(NamespaceSettings) + ":" + path)
}

// CommandKey returns the command key for a path.
// Pattern: command:{path}
func CommandKey(path string) Key {
	return Key(string(NamespaceCommand) + ":" + path)
}

// StatusKey returns the status key for a path.
// Pattern: status:{path}
func StatusKey(path string) Key {
	return Key(string(NamespaceStatus) + ":" + path)
}

// ParseKey validates a raw key string.
func ParseKey(raw string) (Key, error) {
	ns, path, ok := strings.Cut(raw, ":")
	if !ok || path == "" {
		return "", fmt.Errorf("malformed key %q: expected <namespace>:<path>", raw)
	}
	if err := Namespace(ns).Validate(); err != nil {
		return "", fmt.Errorf("malformed key %q: %w", raw, err)
	}
	if strings.HasSuffix(path, ":") || strings.Contains(path, "::") {
		return "", fmt.Errorf("malformed key %q: empty path segment", raw)
	}
	return Key(raw), nil
}

// Namespace returns the prefix of the key.
func (k Key) Namespace() Namespace {
	ns, _, _ := strings.Cut(string(k), ":")
	return Namespace(ns)
}

// Path returns the key without its namespace prefix.
func (k Key) Path() string {
	_, path, _ := strings.Cut(string(k), ":")
	return path
}

// In returns the same path under another namespace, e.g. the settings key a
// command targets.
func (k Key) In(ns Namespace) Key {
	return Key(string(ns) + ":" + k.Path())
}

func (k Key) String() string {
	return string(k)
}

// TimeseriesKey returns the Redis stream holding samples for a key.
// Pattern: timeseries:{key}
func TimeseriesKey(k Key) string {
	return "timeseries:" + string(k)
}

// Pattern helpers for Subscribe.

// AllSettings matches every settings channel.
const AllSettings = "settings:*"

// AllCommands matches every command channel.
const AllCommands = "command:*"

// AllStatus matches every status channel.
const AllStatus = "status:*"
