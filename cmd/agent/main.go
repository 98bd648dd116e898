// Command agent runs one PICTURE-C agent process. PICC_AGENT selects the
// agent: an instrument (sim921, sim960, currentduino, hemtduino, ls240), the
// cooldown director, or the quench monitor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MazinLab/picturec/internal/agent"
	"github.com/MazinLab/picturec/internal/config"
	"github.com/MazinLab/picturec/internal/cooldown"
	"github.com/MazinLab/picturec/internal/device"
	"github.com/MazinLab/picturec/internal/journal"
	"github.com/MazinLab/picturec/internal/logging"
	"github.com/MazinLab/picturec/internal/metrics"
	"github.com/MazinLab/picturec/internal/quench"
	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

// run loads the environment and configuration and returns an exit code.
func run() int {
	logger := logging.New("agent")

	env, err := agent.LoadEnv()
	if err != nil {
		logger.Error().Err(err).Msg("Configuration error")
		return 1
	}
	logger = logger.With().Str("agent", env.AgentName).Logger()

	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		logger.Error().Err(err).Str("path", env.ConfigPath).Msg("Failed to load config")
		return 1
	}
	if env.RedisURL != "" {
		cfg.RedisURL = env.RedisURL
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	return serve(cfg, env.AgentName, logger, sigChan)
}

// serve runs the agent until a signal arrives or the engine stops.
func serve(cfg *config.PiccConfig, name string, logger zerolog.Logger, sigChan <-chan os.Signal) int {
	agentCfg, err := cfg.Agent(name)
	if err != nil {
		logger.Error().Err(err).Msg("Agent not configured")
		return 1
	}
	reg, err := cfg.Registry()
	if err != nil {
		logger.Error().Err(err).Msg("Invalid defaults document")
		return 1
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid Redis URL")
		return 1
	}
	st, err := store.NewClient(redisOpts, store.WithSource(name))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create store client")
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing store client")
		}
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		cancel()
		logger.Error().Err(err).Msg("Failed to connect to Redis")
		return 1
	}
	cancel()
	logger.Info().Msg("Connected to Redis")

	engineCfg := agent.ConfigFor(name, agentCfg)
	dev, closeDevice, err := newDevice(cfg, name, agentCfg, st, reg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open device")
		return 1
	}
	defer closeDevice()
	if name == schema.AgentDirector {
		engineCfg.PollInterval = cfg.Cooldown.StepInterval
	}

	engine, err := agent.New(engineCfg, st, reg, dev, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create engine")
		return 1
	}

	metrics.Register()
	healthServer := agent.NewHealthServer(st, name, agentCfg.HealthPort, logger)
	healthServer.Start()
	logger.Info().Int("port", agentCfg.HealthPort).Msg("Health server started")

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Start(engineCtx)
	}()

	recorderDone := startRecorder(engineCtx, cfg, name, st, logger)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case err := <-engineDone:
		if err != nil {
			logger.Error().Err(err).Msg("Engine error")
			return 1
		}
		logger.Info().Msg("Engine exited")
		return 0
	}

	logger.Info().Msg("Initiating graceful shutdown")
	engineCancel()

	healthCtx, healthCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer healthCancel()
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.Error().Err(err).Msg("Health server shutdown error")
	}

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-engineDone:
		if err != nil {
			logger.Error().Err(err).Msg("Engine shutdown error")
			return 1
		}
	case <-timer.C:
		logger.Error().Msg("Engine shutdown timeout, forcing exit")
		return 1
	}

	if recorderDone != nil {
		select {
		case <-recorderDone:
		case <-timer.C:
			logger.Warn().Msg("Journal recorder did not stop in time")
		}
	}

	logger.Info().Msg("Agent shutdown complete")
	return 0
}

// newDevice builds what the engine drives for name, returning a cleanup.
func newDevice(cfg *config.PiccConfig, name string, agentCfg *config.Agent, st *store.Client, reg *schema.Registry, logger zerolog.Logger) (agent.Device, func(), error) {
	switch name {
	case schema.AgentDirector:
		return cooldown.NewController(st, reg, *cfg.Cooldown, logger), func() {}, nil
	case schema.AgentQuench:
		return quench.NewMonitor(st, reg, logger), func() {}, nil
	}

	if !config.IsHardware(name) {
		return nil, nil, fmt.Errorf("unknown agent %s", name)
	}
	port, err := device.OpenSerial(agentCfg.Port, agentCfg.BaudRate)
	if err != nil {
		return nil, nil, err
	}
	dev, err := device.New(name, port, agentCfg.Timeout, logger)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	logger.Info().Str("port", agentCfg.Port).Int("baudrate", agentCfg.BaudRate).Msg("Serial port open")
	return dev, func() {
		if err := port.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing serial port")
		}
	}, nil
}

// startRecorder runs the journal recorder in the director process when a
// journal is configured. The returned channel closes when it stops.
func startRecorder(ctx context.Context, cfg *config.PiccConfig, name string, st *store.Client, logger zerolog.Logger) <-chan struct{} {
	if name != schema.AgentDirector || cfg.Journal == "" {
		return nil
	}
	j, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Journal).Msg("Journal disabled")
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer j.Close()
		rec := journal.NewRecorder(j, st, logger.With().Str("component", "journal").Logger())
		if err := rec.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Journal recorder stopped")
		}
	}()
	return done
}
