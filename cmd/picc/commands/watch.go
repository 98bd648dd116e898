package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchHeartbeats   bool
)

// defaultWatchPatterns leave out heartbeats and registrations.
var defaultWatchPatterns = []string{
	"command:*",
	"settings:*",
	"status:cycle:*",
	"status:magnet:*",
	"status:heatswitch",
	"status:quench:*",
	"status:temps:*",
	"status:device:*:status",
	schema.LastCommandKey("*").String(),
}

var watchCmd = &cobra.Command{
	Use:   "watch [pattern...]",
	Short: "Stream store activity in real time",
	Long: `Stream commands, setting changes, status and command outcomes as they
happen.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Commands, settings, cycle and temperatures
  picc watch

  # Only the heat switch
  picc watch status:heatswitch 'command:device:currentduino:*'

  # Export as JSON
  picc watch --output=json > activity.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().BoolVar(&watchHeartbeats, "heartbeats", false, "Include agent heartbeats")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	patterns := args
	if len(patterns) == 0 {
		patterns = append([]string(nil), defaultWatchPatterns...)
	}
	if watchHeartbeats {
		patterns = append(patterns, schema.HeartbeatKey("*").String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	return watch.Stream(ctx, s.store, patterns, format, cmd.OutOrStdout())
}
