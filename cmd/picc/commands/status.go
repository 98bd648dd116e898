package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/report"
	"github.com/spf13/cobra"
)

var (
	statusOutputFormat string
	statusAgentsOnly   bool
)

// statusPatterns are the keys an operator checks first.
var statusPatterns = []string{
	"status:cycle:*",
	"status:magnet:*",
	"status:heatswitch",
	"status:temps:*",
	"status:highcurrentboard:*",
	"status:quench:*",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent health and the cooldown state",
	Long: `Show every registered agent's health, heartbeat and last command,
followed by the cycle, magnet and temperature status.

Examples:
  picc status
  picc status --agents`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	statusCmd.Flags().BoolVar(&statusAgentsOnly, "agents", false, "Only show agents")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseFormat(statusOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	now := time.Now()
	agents, err := report.Agents(ctx, s.store, s.registry, s.registry.Agents(), now)
	if err != nil {
		return fmt.Errorf("failed to read agents: %w", err)
	}
	if err := report.WriteAgents(cmd.OutOrStdout(), agents, format, now); err != nil {
		return err
	}
	if statusAgentsOnly {
		return nil
	}

	rows, err := collect(ctx, s, statusPatterns, nil, now)
	if err != nil {
		return err
	}
	if format == report.OutputFormatDefault {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return report.Write(cmd.OutOrStdout(), rows, format, now)
}
