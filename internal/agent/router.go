package agent

import (
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
)

// Outcome is the result of handling one command.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	OutcomeQueued   Outcome = "queued"
)

// CommandRecord is the JSON written to status:agent:<name>:last-command.
type CommandRecord struct {
	ID      string    `json:"id"`
	Key     store.Key `json:"key"`
	Value   string    `json:"value"`
	Source  string    `json:"source,omitempty"`
	Outcome Outcome   `json:"outcome"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// OutcomeOf classifies the error returned while applying a command.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case fault.IsTransitionConflict(err):
		return OutcomeQueued
	case fault.IsSchema(err), fault.IsPrecondition(err), fault.IsStale(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// Decision is the router's verdict on one command notification.
type Decision struct {
	Key       store.Key
	Entry     schema.Entry
	Value     schema.Value
	Duplicate bool  // Same id seen recently; skip silently
	Err       error // Non-nil means rejected
}

// Router validates commands addressed to one agent. It is used only from the
// engine loop and is not safe for concurrent use.
type Router struct {
	agent    string
	registry *schema.Registry

	seen map[string]struct{}
	ring []string
	next int
}

// NewRouter returns a router remembering up to size command ids.
func NewRouter(agent string, registry *schema.Registry, size int) *Router {
	if size <= 0 {
		size = defaultDedupSize
	}
	return &Router{
		agent:    agent,
		registry: registry,
		seen:     make(map[string]struct{}, size),
		ring:     make([]string, 0, size),
	}
}

// Route parses the key, checks that this agent exposes it, validates the
// payload and finally drops exact-id duplicates. Only accepted commands are
// remembered, so a rejected command may be resent with the same id.
func (r *Router) Route(n store.Notification) Decision {
	d := Decision{Key: n.Key}

	key, err := store.ParseKey(string(n.Key))
	if err != nil {
		d.Err = &fault.SchemaError{Key: string(n.Key), Value: n.Value, Reason: err.Error()}
		return d
	}
	if !r.registry.IsCommandExposed(r.agent, key) {
		d.Err = &fault.SchemaError{Key: string(key), Value: n.Value, Reason: fmt.Sprintf("not a command exposed by %s", r.agent)}
		return d
	}

	d.Entry, _ = r.registry.Lookup(key)
	d.Value, d.Err = r.registry.ValidateSetting(key, n.Value)
	if d.Err != nil {
		return d
	}

	if n.ID == "" {
		return d
	}
	if _, ok := r.seen[n.ID]; ok {
		d.Duplicate = true
		return d
	}
	r.remember(n.ID)
	return d
}

func (r *Router) remember(id string) {
	if len(r.ring) < cap(r.ring) {
		r.ring = append(r.ring, id)
	} else {
		delete(r.seen, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % len(r.ring)
	}
	r.seen[id] = struct{}{}
}
