package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/pkg/store"
)

// Registry is pure logic over a static schema table. It never talks to the
// store; the agent runtime and tools consult it before writing or after
// reading. A Registry is immutable and safe for concurrent use.
type Registry struct {
	entries map[store.Key]Entry
	order   []store.Key
}

// New builds a registry from a table. It fails if any key appears twice
// (every key has exactly one owner) or if a default fails its own validation.
func New(entries []Entry) (*Registry, error) {
	r := &Registry{entries: make(map[store.Key]Entry, len(entries))}

	for _, e := range entries {
		if _, err := store.ParseKey(string(e.Key)); err != nil {
			return nil, fmt.Errorf("invalid schema entry: %w", err)
		}
		if e.Key.Namespace() == store.NamespaceCommand {
			return nil, fmt.Errorf("invalid schema entry %s: command keys are derived, not declared", e.Key)
		}
		if err := e.Kind.Validate(); err != nil {
			return nil, fmt.Errorf("invalid schema entry %s: %w", e.Key, err)
		}
		if e.Owner == "" {
			return nil, fmt.Errorf("invalid schema entry %s: owner is required", e.Key)
		}
		if prev, dup := r.entries[e.Key]; dup {
			return nil, fmt.Errorf("key %s owned by both %s and %s", e.Key, prev.Owner, e.Owner)
		}
		if e.IsSetting() && !e.CommandOnly {
			if _, err := e.parse(e.Default); err != nil {
				return nil, fmt.Errorf("invalid default: %w", err)
			}
		}
		r.entries[e.Key] = e
		r.order = append(r.order, e.Key)
	}

	return r, nil
}

// Lookup finds the entry for a settings, status or command key. A command
// key resolves to the settings entry it targets.
func (r *Registry) Lookup(key store.Key) (Entry, bool) {
	if key.Namespace() == store.NamespaceCommand {
		key = key.In(store.NamespaceSettings)
	}
	e, ok := r.entries[key]
	return e, ok
}

// ValidateSetting checks a value for a settings or command key.
// Returns a *fault.SchemaError for unknown keys and invalid values.
func (r *Registry) ValidateSetting(key store.Key, raw string) (Value, error) {
	e, ok := r.Lookup(key)
	if !ok || !e.IsSetting() {
		return Value{}, &fault.SchemaError{Key: string(key), Value: raw, Reason: "unknown setting"}
	}
	return e.parse(raw)
}

// ValidateStatus checks a value an owner is about to report.
func (r *Registry) ValidateStatus(key store.Key, raw string) (Value, error) {
	e, ok := r.entries[key]
	if !ok || e.Key.Namespace() != store.NamespaceStatus {
		return Value{}, &fault.SchemaError{Key: string(key), Value: raw, Reason: "unknown status"}
	}
	return e.parse(raw)
}

// IsCommandExposed reports whether agent handles commands on key.
func (r *Registry) IsCommandExposed(agent string, key store.Key) bool {
	if key.Namespace() != store.NamespaceCommand {
		return false
	}
	e, ok := r.Lookup(key)
	return ok && e.Writable && e.Owner == agent
}

// Stale reports whether a status written at updatedAt must be treated as
// unknown at now. Keys without a threshold never go stale.
func (r *Registry) Stale(key store.Key, updatedAt, now time.Time) bool {
	e, ok := r.entries[key]
	if !ok || e.Staleness <= 0 {
		return false
	}
	return now.Sub(updatedAt) > e.Staleness
}

// CheckFresh returns a *fault.StaleStatusError when the entry is stale.
func (r *Registry) CheckFresh(entry *store.Entry, now time.Time) error {
	if !r.Stale(entry.Key, entry.UpdatedAt, now) {
		return nil
	}
	return &fault.StaleStatusError{
		Key:       string(entry.Key),
		Age:       entry.Age(now),
		Threshold: r.entries[entry.Key].Staleness,
	}
}

// Owned returns every entry owned by agent, in table order.
func (r *Registry) Owned(agent string) []Entry {
	var out []Entry
	for _, k := range r.order {
		if e := r.entries[k]; e.Owner == agent {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns every entry in table order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// Agents returns the names of every owner in the table, sorted.
func (r *Registry) Agents() []string {
	seen := make(map[string]bool)
	var names []string
	for _, k := range r.order {
		owner := r.entries[k].Owner
		if !seen[owner] {
			seen[owner] = true
			names = append(names, owner)
		}
	}
	sort.Strings(names)
	return names
}

// Registration derives an agent's registration from the table.
func (r *Registry) Registration(agent string) Registration {
	reg := Registration{Name: agent, SchemaVersion: SchemaVersion}
	for _, e := range r.Owned(agent) {
		if e.IsSetting() {
			if !e.CommandOnly {
				reg.OwnedSettings = append(reg.OwnedSettings, e.Key)
			}
			if e.Writable {
				reg.ExposedCommands = append(reg.ExposedCommands, e.CommandKey())
			}
			continue
		}
		reg.OwnedStatus = append(reg.OwnedStatus, e.Key)
	}
	return reg
}

// CommandPatterns returns subscription patterns covering every command key
// the agent exposes. Patterns are one level wide (the parent path plus "*"),
// so commands for unexposed siblings also reach the router and get an
// explicit rejection instead of silence.
func (r *Registry) CommandPatterns(agent string) []string {
	seen := make(map[string]bool)
	var patterns []string
	for _, k := range r.Registration(agent).ExposedCommands {
		p := string(k)
		if i := strings.LastIndex(p, ":"); i > len(store.NamespaceCommand) {
			p = p[:i] + ":*"
		}
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}

	// "*" also matches ":", so a parent pattern already covers its children.
	// Keeping both would deliver each command once per matching pattern.
	var out []string
	for _, p := range patterns {
		covered := false
		for _, q := range patterns {
			if q != p && strings.HasSuffix(q, "*") && strings.HasPrefix(p, strings.TrimSuffix(q, "*")) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
