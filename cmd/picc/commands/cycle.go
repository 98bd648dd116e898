package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/timespec"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/spf13/cobra"
)

var (
	keyCooldown      = store.CommandKey("cycle:cooldown")
	keyAbort         = store.CommandKey("cycle:abort")
	keyBeColdAt      = store.CommandKey("cycle:be-cold-at")
	keyTargetCurrent = store.CommandKey("magnet:target-current")
)

var (
	cycleTimeout time.Duration
	cooldownAt   string
)

var cooldownCmd = &cobra.Command{
	Use:   "cooldown",
	Short: "Start an ADR cooldown cycle",
	Long: `Start a cooldown cycle from WARM or COLD. The director closes the heat
switch, ramps the magnet to the soak current, soaks, opens the switch and
regulates at the configured temperature.

With --at the director starts the cycle early enough to be cold by then.
The time is "+<duration>", RFC3339, or "[MM/DD[/YY]] HH:MM" local time.
Aborting cancels a scheduled cycle.

Examples:
  picc cooldown
  picc cooldown --at +12h
  picc cooldown --at "10/30 08:00"

Follow progress with:
  picc watch status:cycle:state 'status:magnet:*'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cooldownAt == "" {
			return cycleCommand(cmd, keyCooldown, "now")
		}
		at, err := timespec.ParseAt(cooldownAt, time.Now())
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		return cycleCommand(cmd, keyBeColdAt, at.UTC().Format(time.RFC3339))
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the cycle and de-ramp the magnet",
	Long: `Abort a running cycle. The director switches the SIM960 to manual at
its current output and de-ramps the magnet to zero at the de-ramp rate.
Aborting when no cycle is running does nothing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cycleCommand(cmd, keyAbort, "now")
	},
}

var rampCmd = &cobra.Command{
	Use:   "ramp <amps>",
	Short: "Ramp the magnet to a target current",
	Long: `Ramp the magnet current at the configured ramp rate. The heat switch
must be closed. During a cooldown's ramp phase this changes the soak
current instead.

Examples:
  picc ramp 9.4
  picc ramp 0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cycleCommand(cmd, keyTargetCurrent, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{cooldownCmd, abortCmd, rampCmd} {
		c.Flags().DurationVarP(&cycleTimeout, "timeout", "t", 0, "How long to wait for the director (default from picc.yml)")
		rootCmd.AddCommand(c)
	}
	cooldownCmd.Flags().StringVar(&cooldownAt, "at", "", "Be cold by this time instead of starting now")
}

func cycleCommand(cmd *cobra.Command, key store.Key, value string) error {
	ctx := context.Background()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	return send(ctx, s, key, value, true, cycleTimeout)
}
