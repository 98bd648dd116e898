package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/filter"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
)

// Collect reads every stored key matching pattern, e.g. "status:*", and
// returns the rows passing criteria sorted by key. Stale rows are marked
// from the registry.
func Collect(ctx context.Context, st *store.Client, reg *schema.Registry, pattern string, criteria *filter.Criteria, now time.Time) ([]Row, error) {
	keys, err := st.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Row{}, nil
	}

	entries, err := st.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(entries))
	for _, entry := range entries {
		if criteria != nil && !criteria.Matches(entry, reg, now) {
			continue
		}
		rows = append(rows, RowFor(entry, reg, now))
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

// RowFor describes one entry.
func RowFor(entry *store.Entry, reg *schema.Registry, now time.Time) Row {
	row := Row{
		Key:       entry.Key,
		Value:     entry.Value,
		UpdatedAt: entry.UpdatedAt,
		Stale:     reg.Stale(entry.Key, entry.UpdatedAt, now),
	}
	if e, ok := reg.Lookup(entry.Key); ok {
		row.Unit = e.Unit
		row.Owner = e.Owner
	}
	return row
}

// AgentRow summarises one agent for picc status --agents.
type AgentRow struct {
	Name        string               `json:"name"`
	Health      string               `json:"health"`
	Heartbeat   time.Time            `json:"heartbeat,omitempty"`
	Alive       bool                 `json:"alive"`
	LastCommand *agent.CommandRecord `json:"last_command,omitempty"`
}

// Agents reads health, heartbeat and last command for each named agent.
// An agent whose heartbeat is missing or stale is not alive.
func Agents(ctx context.Context, st *store.Client, reg *schema.Registry, names []string, now time.Time) ([]AgentRow, error) {
	keys := make([]store.Key, 0, 3*len(names))
	for _, name := range names {
		keys = append(keys, schema.HealthKey(name), schema.HeartbeatKey(name), schema.LastCommandKey(name))
	}
	entries, err := st.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}

	rows := make([]AgentRow, 0, len(names))
	for _, name := range names {
		row := AgentRow{Name: name, Health: "unknown"}
		if e, ok := entries[schema.HealthKey(name)]; ok {
			row.Health = e.Value
		}
		if e, ok := entries[schema.HeartbeatKey(name)]; ok {
			row.Heartbeat = e.UpdatedAt
			row.Alive = !reg.Stale(e.Key, e.UpdatedAt, now)
		}
		if e, ok := entries[schema.LastCommandKey(name)]; ok {
			var rec agent.CommandRecord
			if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
				return nil, fmt.Errorf("invalid last-command for %s: %w", name, err)
			}
			row.LastCommand = &rec
		}
		rows = append(rows, row)
	}
	return rows, nil
}
