package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/config"
	"github.com/MazinLab/picturec/internal/printer"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath string
	redisURL   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "picc",
	Short: "picc - PICTURE-C instrument control",
	Long: `picc operates the PICTURE-C cryogenic readout: it reads settings and
status from the shared store, sends commands to the instrument agents and
drives the ADR cooldown cycle.

Commands are validated against the settings registry before they are sent,
and picc waits for the owning agent to report the outcome.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed in colour by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	defaultConfig := os.Getenv("PICC_CONFIG")
	if defaultConfig == "" {
		defaultConfig = agent.DefaultConfigPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to picc.yml")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL (overrides picc.yml)")
}

// session is what most commands need: configuration, registry and a
// connected store client.
type session struct {
	cfg      *config.PiccConfig
	registry *schema.Registry
	store    *store.Client
}

func (s *session) Close() {
	if s.store != nil {
		s.store.Close()
	}
}

// loadConfig reads picc.yml. A missing file at the default location is not
// an error: picc then runs on built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.PiccConfig, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Check the file:\n  %s", configPath)},
		)
	}

	cfg = &config.PiccConfig{
		Version:  "1",
		RedisURL: config.DefaultRedisURL,
		Cooldown: &config.CooldownConfig{},
		CLI:      &config.CLIConfig{CommandTimeout: config.DefaultCommandTimeout},
	}
	if err := cfg.Cooldown.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect loads configuration and opens the store.
func connect(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, printer.Error("invalid defaults document", err.Error(), []string{"Validate it:\n  picc defaults check " + cfg.Defaults})
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	st, err := store.NewClient(opts, store.WithSource(operator()))
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		st.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis: %v", err),
			map[string]string{"URL": cfg.RedisURL},
			[]string{"Check that Redis is running and reachable", "Override the address:\n  picc --redis-url redis://host:6379/0 ..."},
		)
	}

	return &session{cfg: cfg, registry: reg, store: st}, nil
}

// operator names the source of commands sent from this terminal.
func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return "picc:" + u
	}
	return "picc"
}
