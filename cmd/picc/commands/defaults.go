package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/spf13/cobra"
)

var defaultsStore bool

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Inspect and validate the settings defaults document",
}

var defaultsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective defaults document",
	Long: `Print the defaults agents fall back to when the store has no value:
the built-in table with the picc.yml defaults override applied.`,
	Args: cobra.NoArgs,
	RunE: runDefaultsShow,
}

var defaultsCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a defaults document",
	Long: `Validate a defaults document against the settings registry. Every
value must name a known setting and pass its type and range checks.

With --store, the settings currently in the store are validated as well.

Examples:
  picc defaults check /etc/picc/defaults.yaml
  picc defaults check /etc/picc/defaults.yaml --store`,
	Args: cobra.ExactArgs(1),
	RunE: runDefaultsCheck,
}

func init() {
	defaultsCheckCmd.Flags().BoolVar(&defaultsStore, "store", false, "Also validate the settings stored in Redis")
	defaultsCmd.AddCommand(defaultsShowCmd, defaultsCheckCmd)
	rootCmd.AddCommand(defaultsCmd)
}

func runDefaultsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return printer.Error("invalid defaults document", err.Error(), nil)
	}
	doc, err := reg.Document()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(doc)
	return err
}

func runDefaultsCheck(cmd *cobra.Command, args []string) error {
	d, err := schema.LoadDefaults(args[0])
	if err != nil {
		return printer.Error("invalid defaults document", err.Error(), nil)
	}
	reg, err := schema.Builtin().WithDefaults(d)
	if err != nil {
		return printer.ErrorWithContext("invalid defaults document", err.Error(), map[string]string{"File": args[0]}, nil)
	}
	printer.Success("%s: %d defaults valid\n", args[0], len(d.Values))

	if !defaultsStore {
		return nil
	}

	ctx := context.Background()
	s, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	bad, err := checkStored(ctx, s.store, reg)
	if err != nil {
		return err
	}
	if len(bad) > 0 {
		return printer.ErrorWithContext(
			"invalid stored settings",
			fmt.Sprintf("%d stored settings fail validation; agents will reject them on resync.", len(bad)),
			bad,
			[]string{"Correct each one:\n  picc command <key> <value>"},
		)
	}
	printer.Success("Stored settings valid\n")
	return nil
}

// checkStored validates every persisted setting, returning key -> reason
// for the failures.
func checkStored(ctx context.Context, st *store.Client, reg *schema.Registry) (map[string]string, error) {
	keys, err := st.Keys(ctx, store.AllSettings)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	entries, err := st.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}

	bad := make(map[string]string)
	for key, e := range entries {
		if _, err := reg.ValidateSetting(key, e.Value); err != nil {
			bad[key.String()] = fmt.Sprintf("%q (%v, written %s)", e.Value, err, e.UpdatedAt.Format(time.RFC3339))
		}
	}
	return bad, nil
}
