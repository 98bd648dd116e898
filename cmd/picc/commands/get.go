package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MazinLab/picturec/internal/filter"
	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/report"
	"github.com/MazinLab/picturec/internal/timespec"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/spf13/cobra"
)

var (
	getOutputFormat string
	getOwner        string
	getSince        string
	getUntil        string
	getStale        bool
)

var getCmd = &cobra.Command{
	Use:   "get [pattern...]",
	Short: "Show stored settings and status",
	Long: `Show the current value of settings and status keys.

A pattern without a namespace matches both settings and status. Patterns
are globs: "*" also matches ":".

Examples:
  # Everything
  picc get

  # All temperatures
  picc get 'temps:*'

  # SIM960 settings only
  picc get 'settings:device:sim960:*'

  # Status that has gone stale, as JSON lines
  picc get --stale --output=jsonl`,
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	getCmd.Flags().StringVar(&getOwner, "agent", "", "Only keys owned by this agent")
	getCmd.Flags().StringVar(&getSince, "since", "", "Only keys written after time (duration or RFC3339)")
	getCmd.Flags().StringVar(&getUntil, "until", "", "Only keys written before time (duration or RFC3339)")
	getCmd.Flags().BoolVar(&getStale, "stale", false, "Only stale status")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseFormat(getOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	now := time.Now()
	window, err := timespec.ParseRange(getSince, getUntil, now)
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}
	criteria := &filter.Criteria{Owner: getOwner, Range: window, StaleOnly: getStale}

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := collect(ctx, s, expandPatterns(args), criteria, now)
	if err != nil {
		return err
	}
	return report.Write(cmd.OutOrStdout(), rows, format, now)
}

// expandPatterns gives each bare pattern the settings and status
// namespaces. No patterns means everything stored.
func expandPatterns(args []string) []string {
	if len(args) == 0 {
		return []string{store.AllSettings, "status:*"}
	}
	var out []string
	for _, p := range args {
		ns, _, _ := strings.Cut(p, ":")
		if store.Namespace(ns).Validate() == nil {
			out = append(out, p)
			continue
		}
		out = append(out, "settings:"+p, "status:"+p)
	}
	return out
}

// collect merges the rows of several patterns, dropping duplicates.
func collect(ctx context.Context, s *session, patterns []string, criteria *filter.Criteria, now time.Time) ([]report.Row, error) {
	seen := make(map[store.Key]bool)
	var rows []report.Row
	for _, p := range patterns {
		got, err := report.Collect(ctx, s.store, s.registry, p, criteria, now)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		for _, r := range got {
			if !seen[r.Key] {
				seen[r.Key] = true
				rows = append(rows, r)
			}
		}
	}
	return rows, nil
}
