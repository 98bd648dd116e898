package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/watch"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/spf13/cobra"
)

var (
	commandTimeout time.Duration
	commandNoWait  bool
)

var commandCmd = &cobra.Command{
	Use:   "command <key> <value>",
	Short: "Send a command to the agent that owns a setting",
	Long: `Send a command and wait for the owning agent's outcome.

The key may be given with or without its namespace: "device:sim960:setpoint",
"settings:device:sim960:setpoint" and "command:device:sim960:setpoint" all
address the same setting. The value is validated locally first.

Examples:
  # Change the SIM960 PID setpoint
  picc command device:sim960:setpoint 0.1

  # Set the cooldown ramp rate without waiting
  picc command cycle:ramp-rate 0.004 --no-wait`,
	Args: cobra.ExactArgs(2),
	RunE: runCommand,
}

func init() {
	commandCmd.Flags().DurationVarP(&commandTimeout, "timeout", "t", 0, "How long to wait for the outcome (default from picc.yml)")
	commandCmd.Flags().BoolVar(&commandNoWait, "no-wait", false, "Publish and return without waiting")
	rootCmd.AddCommand(commandCmd)
}

func runCommand(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	key, err := commandKey(args[0])
	if err != nil {
		return printer.Error("invalid key", err.Error(), nil)
	}
	return send(ctx, s, key, args[1], !commandNoWait, commandTimeout)
}

// commandKey normalizes a key given with any namespace, or none, to its
// command key.
func commandKey(raw string) (store.Key, error) {
	if i := strings.Index(raw, ":"); i > 0 {
		switch store.Namespace(raw[:i]) {
		case store.NamespaceCommand, store.NamespaceSettings:
			k, err := store.ParseKey(raw)
			if err != nil {
				return "", err
			}
			return k.In(store.NamespaceCommand), nil
		case store.NamespaceStatus:
			return "", fmt.Errorf("%s is a status key; status is read-only", raw)
		}
	}
	return store.ParseKey(string(store.CommandKey(raw)))
}

// send validates, publishes and optionally waits for the outcome of one
// command.
func send(ctx context.Context, s *session, key store.Key, value string, wait bool, timeout time.Duration) error {
	entry, ok := s.registry.Lookup(key)
	if !ok || !entry.Writable {
		return printer.Error(
			fmt.Sprintf("unknown command %s", key),
			"No agent accepts commands on this key.",
			[]string{"List the settings agents accept:\n  picc defaults show"},
		)
	}
	if _, err := s.registry.ValidateSetting(key, value); err != nil {
		return printer.Fault(err)
	}

	if !wait {
		n, err := s.store.Publish(ctx, key, value)
		if err != nil {
			return fmt.Errorf("failed to publish command: %w", err)
		}
		printer.Success("Sent %s = %s (id %s)\n", key, value, n.ID)
		return nil
	}

	if timeout <= 0 {
		timeout = s.cfg.CLI.CommandTimeout
	}

	// Subscribe before publishing so a fast reply is not missed.
	x, err := watch.Expect(ctx, s.store, entry.Owner)
	if err != nil {
		return err
	}
	defer x.Close()

	n, err := s.store.Publish(ctx, key, value)
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	rec, err := x.Wait(ctx, n.ID, timeout)
	if err != nil {
		if errors.Is(err, watch.ErrTimeout) {
			return printer.ErrorWithContext(
				"no response",
				fmt.Sprintf("%s did not report an outcome within %v.", entry.Owner, timeout),
				map[string]string{"Key": key.String(), "Command ID": n.ID},
				[]string{"Check that the agent is running:\n  picc status --agents", "Watch for a late outcome:\n  picc watch"},
			)
		}
		return err
	}
	return outcome(rec, entry.Owner)
}

// outcome prints a command record and turns refusals into errors.
func outcome(rec *agent.CommandRecord, owner string) error {
	switch rec.Outcome {
	case agent.OutcomeApplied:
		printer.Success("%s applied %s = %s\n", owner, rec.Key, rec.Value)
		return nil
	case agent.OutcomeQueued:
		printer.Warning("%s queued %s = %s: %s\n", owner, rec.Key, rec.Value, rec.Error)
		return nil
	case agent.OutcomeRejected:
		return printer.ErrorWithContext("command rejected", rec.Error, map[string]string{"Agent": owner, "Key": rec.Key.String(), "Value": rec.Value}, nil)
	default:
		return printer.ErrorWithContext("command failed", rec.Error, map[string]string{"Agent": owner, "Key": rec.Key.String(), "Value": rec.Value},
			[]string{"Check the agent's device health:\n  picc status --agents"})
	}
}
