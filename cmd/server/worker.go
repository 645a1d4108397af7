package main

import (
	"context"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/npezzotti/go-huddle/internal/admission"
	"github.com/npezzotti/go-huddle/internal/analytics"
	"github.com/npezzotti/go-huddle/internal/api"
	"github.com/npezzotti/go-huddle/internal/cluster"
	"github.com/npezzotti/go-huddle/internal/config"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/messaging"
	"github.com/npezzotti/go-huddle/internal/presence"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/server"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/rs/zerolog"
)

func runWorker(cfg *config.Config, logger zerolog.Logger) {
	ln, err := cluster.InheritedListener()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker listener")
	}

	go func() {
		if err := cluster.ServeProbes(os.Stdin, os.Stdout); err != nil {
			logger.Warn().Err(err).Msg("probe pipe closed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		repo    database.RoomRepository
		bus     events.Subscriber
		closers []func() error
	)
	if cfg.DatabaseDSN != "" {
		pg, err := database.NewPgRoomRepository(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("db open")
		}
		pgBus, err := database.NewPgEventBus(cfg.DatabaseDSN, pg, logger.With().Str("component", "events").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("event listener")
		}
		go pgBus.Run(ctx)
		repo, bus = pg, pgBus
		closers = append(closers, pgBus.Close, pg.Close)
	} else {
		memBus := events.NewMemoryBus()
		repo, bus = database.NewMemoryRoomRepository(memBus), memBus
	}

	var limiter admission.Limiter
	if cfg.RedisURL != "" {
		client, err := admission.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		limiter = admission.NewRedisLimiter(client, cfg.Admission.Window, cfg.Admission.Max)
		closers = append(closers, client.Close)
	} else {
		local := admission.NewLocalLimiter(cfg.Admission.Window, cfg.Admission.Max)
		go local.Run(ctx, cfg.Admission.Window)
		limiter = local
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	reg := registry.New(repo, logger, registry.Options{
		Retries:      cfg.Rooms.StoreRetries,
		StoreTimeout: cfg.Rooms.StoreTimeout,
	})
	agg := analytics.New(repo, statsUpdater, logger, cfg.Rooms.StoreTimeout)
	pres := presence.New(reg, repo, agg, logger, presence.Options{
		HistorySize:    cfg.Rooms.HistorySize,
		EmptyRoomGrace: cfg.Rooms.EmptyRoomGrace,
		StoreTimeout:   cfg.Rooms.StoreTimeout,
	})
	pipeline := messaging.New(repo, agg, logger, messaging.Options{
		MaxLength:    cfg.Rooms.MessageMaxLength,
		HistorySize:  cfg.Rooms.HistorySize,
		StoreTimeout: cfg.Rooms.StoreTimeout,
	})

	chatServer := server.NewChatServer(logger, pres, pipeline, reg, bus, statsUpdater)
	go chatServer.Run()

	app := api.NewHuddleApp(mux, logger, api.Deps{
		ChatServer: chatServer,
		Registry:   reg,
		Analytics:  agg,
		Admission:  admission.NewController(limiter, statsUpdater, logger),
		Store:      repo,
	}, cfg)

	go func() {
		if err := app.Serve(ln); err != nil {
			logger.Fatal().Err(err).Msg("serve")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Cluster.ShutdownGrace,
		map[string]gfshutdown.Operation{
			"huddle": func(ctx context.Context) error {
				// stop accepting first, then let every client leave its rooms
				if err := app.Shutdown(ctx); err != nil {
					logger.Warn().Err(err).Msg("http shutdown")
				}
				if err := chatServer.Shutdown(ctx); err != nil {
					logger.Warn().Err(err).Msg("chat server shutdown")
				}
				cancel()
				for _, c := range closers {
					if err := c(); err != nil {
						logger.Warn().Err(err).Msg("close")
					}
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("worker stopped")
	os.Exit(exitCode)
}
