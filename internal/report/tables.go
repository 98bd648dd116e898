package report

import (
	"fmt"
	"io"
	"time"

	"github.com/MazinLab/picturec/internal/journal"
	"github.com/olekukonko/tablewriter"
)

// WriteAgents renders agent summaries.
func WriteAgents(w io.Writer, rows []AgentRow, format OutputFormat, now time.Time) error {
	if format == OutputFormatJSONL {
		return FormatJSONL(w, rows)
	}

	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		alive := "no"
		if r.Alive {
			alive = "yes"
		}
		last := "-"
		if r.LastCommand != nil {
			last = fmt.Sprintf("%s %s=%s", r.LastCommand.Outcome, r.LastCommand.Key, formatValue(r.LastCommand.Value))
		}
		data = append(data, []string{r.Name, r.Health, alive, formatAge(r.Heartbeat, now), last})
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Agent", "Health", "Alive", "Heartbeat", "Last Command"})
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("failed to build table: %w", err)
	}
	return table.Render()
}

// historyLine is the JSONL form of a journal event.
type historyLine struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Agent     string    `json:"agent"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CommandID string    `json:"command_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// WriteHistory renders journal events oldest first.
func WriteHistory(w io.Writer, events []journal.Event, format OutputFormat) error {
	if format == OutputFormatJSONL {
		lines := make([]historyLine, 0, len(events))
		for _, ev := range events {
			lines = append(lines, historyLine{
				ID: ev.ID, Kind: string(ev.Kind), Agent: ev.Agent, Key: ev.Key, Value: ev.Value,
				CommandID: ev.CommandID, Outcome: ev.Outcome, Error: ev.Error, At: ev.At.UTC(),
			})
		}
		return FormatJSONL(w, lines)
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "No history found")
		return nil
	}

	data := make([][]string, 0, len(events))
	for _, ev := range events {
		outcome := orDash(ev.Outcome)
		if ev.Error != "" {
			outcome += ": " + formatValue(ev.Error)
		}
		data = append(data, []string{
			ev.At.Local().Format("2006-01-02 15:04:05"),
			string(ev.Kind),
			ev.Agent,
			ev.Key,
			formatValue(ev.Value),
			outcome,
		})
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Time", "Kind", "Agent", "Key", "Value", "Outcome"})
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("failed to build table: %w", err)
	}
	return table.Render()
}
