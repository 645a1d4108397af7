package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/npezzotti/go-huddle/internal/cluster"
	"github.com/npezzotti/go-huddle/internal/config"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	// stdout belongs to the probe pipe in workers
	logger := cfg.Logger(os.Stderr)

	if cfg.Worker {
		runWorker(cfg, logger.With().Int("worker_pid", os.Getpid()).Logger())
		return
	}

	runPrimary(cfg, logger)
}

func runPrimary(cfg *config.Config, logger zerolog.Logger) {
	if cfg.DatabaseDSN != "" {
		if err := database.Migrate(cfg.DatabaseDSN, logger); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
	} else if cfg.Cluster.Workers != 1 {
		logger.Warn().Msg("no database configured, running a single worker with the in-memory store")
		cfg.Cluster.Workers = 1
	}

	ln, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.ServerAddr).Msg("listen")
	}
	f, err := cluster.ListenerFile(ln)
	if err != nil {
		logger.Fatal().Err(err).Msg("listener file")
	}
	// workers own the socket from here on
	ln.Close()
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := cluster.NewSupervisor(&cluster.ExecSpawner{
		Path:     os.Args[0],
		Args:     append(os.Args[1:], "-worker"),
		Listener: f,
	}, logger, cluster.Options{
		Workers:       cfg.Cluster.Workers,
		RestartDelay:  cfg.Cluster.RestartDelay,
		RestartWindow: cfg.Cluster.RestartWindow,
		MaxRestarts:   cfg.Cluster.MaxRestarts,
		ProbeInterval: cfg.Cluster.ProbeInterval,
		ShutdownGrace: cfg.Cluster.ShutdownGrace,
	})

	logger.Info().Str("addr", cfg.ServerAddr).Int("pid", os.Getpid()).Msg("primary started")
	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor stopped")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
