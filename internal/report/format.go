// Package report renders store entries, agent health and journal history
// for picc, either as tables or as line-delimited JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MazinLab/picturec/pkg/store"
	"github.com/olekukonko/tablewriter"
)

// OutputFormat specifies how a report is written.
type OutputFormat string

const (
	// OutputFormatDefault is a table with truncated values
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL is one JSON object per line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseFormat validates a --output flag.
func ParseFormat(raw string) (OutputFormat, error) {
	switch OutputFormat(raw) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(raw), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", raw)
	}
}

// Row is one key as shown by picc get and status.
type Row struct {
	Key       store.Key `json:"key"`
	Value     string    `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// Write renders rows in the given format.
func Write(w io.Writer, rows []Row, format OutputFormat, now time.Time) error {
	switch format {
	case OutputFormatDefault:
		return FormatTable(w, rows, now)
	case OutputFormatJSONL:
		return FormatJSONL(w, rows)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// FormatTable writes rows as a table with columns KEY, VALUE, UNIT, OWNER
// and AGE.
func FormatTable(w io.Writer, rows []Row, now time.Time) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No keys found")
		return nil
	}

	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		age := formatAge(r.UpdatedAt, now)
		if r.Stale {
			age += " (stale)"
		}
		data = append(data, []string{
			r.Key.String(),
			formatValue(r.Value),
			orDash(r.Unit),
			orDash(r.Owner),
			age,
		})
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Key", "Value", "Unit", "Owner", "Age"})
	if err := table.Bulk(data); err != nil {
		return fmt.Errorf("failed to build table: %w", err)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	countMsg := "key"
	if len(rows) != 1 {
		countMsg = "keys"
	}
	fmt.Fprintf(w, "%d %s\n", len(rows), countMsg)
	return nil
}

// FormatJSONL writes each value as a single JSON line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// formatValue keeps the first non-empty line, truncated to 40 characters.
func formatValue(value string) string {
	var first string
	for _, line := range strings.Split(value, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return "-"
	}
	if len(first) > 40 {
		return first[:37] + "..."
	}
	return first
}

// formatAge shows how long ago t was, e.g. "3s ago" or "2h ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < 0:
		return "just now"
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
