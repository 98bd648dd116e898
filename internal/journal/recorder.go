package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/rs/zerolog"
)

var keyCycleState = store.StatusKey("cycle:state")

// Recorder subscribes to command outcomes and cycle state and appends them
// to the journal.
type Recorder struct {
	journal *Journal
	store   *store.Client
	logger  zerolog.Logger
}

func NewRecorder(j *Journal, st *store.Client, logger zerolog.Logger) *Recorder {
	return &Recorder{journal: j, store: st, logger: logger}
}

// Patterns are the channels the recorder follows.
func (r *Recorder) Patterns() []string {
	return []string{
		schema.LastCommandKey("*").String(),
		keyCycleState.String(),
	}
}

// Run records until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	sub, err := r.store.Subscribe(ctx, r.Patterns()...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	r.logger.Info().Strs("patterns", r.Patterns()).Msg("Journal recorder started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription closed")
			}
			if err := r.Record(ctx, n); err != nil {
				r.logger.Warn().Err(err).Str("key", n.Key.String()).Msg("Failed to journal notification")
			}
		case err := <-sub.Errors():
			r.logger.Warn().Err(err).Msg("Journal subscription error")
		}
	}
}

// Record journals one notification. Notifications for other keys are
// ignored.
func (r *Recorder) Record(ctx context.Context, n store.Notification) error {
	if n.Key == keyCycleState {
		_, err := r.journal.Append(ctx, Event{
			Kind:  KindCycle,
			Agent: schema.AgentDirector,
			Key:   n.Key.String(),
			Value: n.Value,
			At:    n.Time(),
		})
		return err
	}

	name, ok := lastCommandAgent(n.Key)
	if !ok {
		return nil
	}
	var rec agent.CommandRecord
	if err := json.Unmarshal([]byte(n.Value), &rec); err != nil {
		return fmt.Errorf("invalid command record: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = n.Time()
	}
	_, err := r.journal.Append(ctx, Event{
		Kind:      KindCommand,
		Agent:     name,
		Key:       rec.Key.String(),
		Value:     rec.Value,
		CommandID: rec.ID,
		Outcome:   string(rec.Outcome),
		Error:     rec.Error,
		At:        at,
	})
	return err
}

// lastCommandAgent extracts the agent from status:agent:<name>:last-command.
func lastCommandAgent(key store.Key) (string, bool) {
	if key.Namespace() != store.NamespaceStatus {
		return "", false
	}
	rest, ok := strings.CutPrefix(key.Path(), "agent:")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, ":last-command")
	return name, ok && name != ""
}

// Since is a convenience for "the last d".
func Since(d time.Duration) Filter {
	return Filter{Since: time.Now().Add(-d)}
}
