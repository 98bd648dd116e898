// Package watch follows the store for picc: waiting for the outcome of a
// published command and streaming notifications to a terminal.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
)

// PollInterval is how often Wait re-reads last-command in case the
// notification was missed.
var PollInterval = 200 * time.Millisecond

// ErrTimeout is returned when no outcome arrives in time.
var ErrTimeout = errors.New("timed out waiting for command outcome")

// Expectation collects last-command updates from one agent. Create it before
// publishing so a fast reply is not missed.
type Expectation struct {
	store *store.Client
	key   store.Key
	sub   *store.Subscription
}

// Expect subscribes to the agent's last-command key.
func Expect(ctx context.Context, st *store.Client, agentName string) (*Expectation, error) {
	key := schema.LastCommandKey(agentName)
	sub, err := st.Subscribe(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	return &Expectation{store: st, key: key, sub: sub}, nil
}

// Close releases the subscription.
func (x *Expectation) Close() error {
	return x.sub.Close()
}

// Wait returns the record for command id. A rejected or failed command is
// still a result: the caller inspects Outcome.
func (x *Expectation) Wait(ctx context.Context, id string, timeout time.Duration) (*agent.CommandRecord, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)

		case n, ok := <-x.sub.Events():
			if !ok {
				return nil, fmt.Errorf("subscription to %s closed", x.key)
			}
			if rec, ok := match(n.Value, id); ok {
				return rec, nil
			}

		case <-ticker.C:
			entry, err := x.store.Get(ctx, x.key)
			if err != nil {
				if store.IsUnset(err) {
					continue
				}
				return nil, fmt.Errorf("failed to read %s: %w", x.key, err)
			}
			if rec, ok := match(entry.Value, id); ok {
				return rec, nil
			}
		}
	}
}

func match(payload, id string) (*agent.CommandRecord, bool) {
	var rec agent.CommandRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, false
	}
	if rec.ID != id {
		return nil, false
	}
	return &rec, true
}
