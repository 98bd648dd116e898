package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/pkg/store"
)

// OutputFormat specifies how streamed notifications are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per notification
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON
	OutputFormatJSON OutputFormat = "json"
)

type jsonLine struct {
	Key    store.Key `json:"key"`
	Value  string    `json:"value"`
	Source string    `json:"source,omitempty"`
	ID     string    `json:"id,omitempty"`
	At     time.Time `json:"at"`
}

// Stream writes every notification matching patterns until ctx is
// cancelled.
func Stream(ctx context.Context, st *store.Client, patterns []string, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSON {
		return fmt.Errorf("unknown output format: %s", format)
	}

	sub, err := st.Subscribe(ctx, patterns...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	if format == OutputFormatDefault {
		fmt.Fprintf(w, "Watching %s (Ctrl+C to stop)\n\n", strings.Join(patterns, ", "))
	}

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
			if err := writeNotification(w, n, format); err != nil {
				return err
			}
		case err := <-sub.Errors():
			fmt.Fprintf(w, "⚠️  %v\n", err)
		}
	}
}

func writeNotification(w io.Writer, n store.Notification, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(jsonLine{Key: n.Key, Value: n.Value, Source: n.Source, ID: n.ID, At: n.Time().UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "[%s] %s\n", n.Time().Format("15:04:05.000"), FormatNotification(n))
	return err
}

// FormatNotification renders one notification for a terminal. Command
// outcomes are decoded; everything else prints as key = value.
func FormatNotification(n store.Notification) string {
	if strings.HasSuffix(n.Key.Path(), ":last-command") {
		var rec agent.CommandRecord
		if err := json.Unmarshal([]byte(n.Value), &rec); err == nil && rec.ID != "" {
			return FormatRecord(&rec)
		}
	}

	switch n.Key.Namespace() {
	case store.NamespaceCommand:
		return fmt.Sprintf("📨 %s = %s%s", n.Key, n.Value, by(n.Source))
	case store.NamespaceSettings:
		return fmt.Sprintf("⚙️  %s = %s%s", n.Key, n.Value, by(n.Source))
	default:
		return fmt.Sprintf("%s = %s", n.Key, n.Value)
	}
}

// FormatRecord renders a command outcome.
func FormatRecord(rec *agent.CommandRecord) string {
	icon := "✅"
	switch rec.Outcome {
	case agent.OutcomeRejected:
		icon = "🚫"
	case agent.OutcomeFailed:
		icon = "❌"
	case agent.OutcomeQueued:
		icon = "⏳"
	}
	outcome := string(rec.Outcome)
	if outcome != "" {
		outcome = strings.ToUpper(outcome[:1]) + outcome[1:]
	}
	line := fmt.Sprintf("%s %s: %s = %s", icon, outcome, rec.Key, rec.Value)
	if rec.Error != "" {
		line += fmt.Sprintf(" (%s)", rec.Error)
	}
	return line
}

func by(source string) string {
	if source == "" {
		return ""
	}
	return " by=" + source
}
