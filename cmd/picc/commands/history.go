package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/journal"
	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/report"
	"github.com/MazinLab/picturec/internal/timespec"
	"github.com/spf13/cobra"
)

var (
	historyOutputFormat string
	historySince        string
	historyUntil        string
	historyAgent        string
	historyKind         string
	historyLimit        int
	pruneBefore         string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the journal of command outcomes and cycle states",
	Long: `Show command outcomes and cooldown cycle states recorded by the
director's journal, oldest first.

Examples:
  # The last hour
  picc history --since 1h

  # Rejected and failed commands to the SIM960, as JSON lines
  picc history --agent sim960 --kind command --output=jsonl

  # Delete entries older than 30 days
  picc history prune --before 720h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old journal entries",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.Flags().StringVarP(&historyOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Show entries after time (duration or RFC3339)")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "Show entries before time (duration or RFC3339)")
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "Filter by agent")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Filter by kind: command or cycle")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show at most the newest N entries")

	historyPruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Delete entries older than time (duration or RFC3339)")
	_ = historyPruneCmd.MarkFlagRequired("before")

	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func openJournal(ctx context.Context, cmd *cobra.Command) (*journal.Journal, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Journal == "" {
		return nil, printer.Error(
			"journal not configured",
			"picc.yml has no journal path, so no history is recorded.",
			[]string{"Add a journal to picc.yml and restart the director:\n  journal: /var/lib/picc/journal.db"},
		)
	}
	j, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseFormat(historyOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	kind := journal.Kind(historyKind)
	if kind != "" && kind != journal.KindCommand && kind != journal.KindCycle {
		return printer.Error("invalid kind", fmt.Sprintf("Unknown kind: %s", historyKind), []string{"Valid kinds: command, cycle"})
	}

	window, err := timespec.ParseRange(historySince, historyUntil, time.Now())
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}

	j, err := openJournal(ctx, cmd)
	if err != nil {
		return err
	}
	defer j.Close()

	events, err := j.List(ctx, journal.Filter{Since: window.Since, Kind: kind, Agent: historyAgent, Limit: historyLimit})
	if err != nil {
		return err
	}
	if !window.Until.IsZero() {
		kept := events[:0]
		for _, ev := range events {
			if window.Contains(ev.At) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	return report.WriteHistory(cmd.OutOrStdout(), events, format)
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	before, err := timespec.Parse(pruneBefore, time.Now())
	if err != nil {
		return printer.Error("invalid --before", err.Error(), []string{"Use duration format like '720h' or RFC3339"})
	}

	j, err := openJournal(ctx, cmd)
	if err != nil {
		return err
	}
	defer j.Close()

	n, err := j.Prune(ctx, before)
	if err != nil {
		return err
	}
	printer.Success("Deleted %d journal entries before %s\n", n, before.Format(time.RFC3339))
	return nil
}
