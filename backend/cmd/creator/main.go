package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/moshi-moshi/backend/alert"
	"github.com/adwski/moshi-moshi/backend/callsession"
	"github.com/adwski/moshi-moshi/backend/config"
	"github.com/adwski/moshi-moshi/backend/media"
	"github.com/adwski/moshi-moshi/backend/presence"
	httpServer "github.com/adwski/moshi-moshi/backend/server/http"
	"github.com/adwski/moshi-moshi/backend/storage/memory"
	"github.com/adwski/moshi-moshi/backend/storage/redis"
	"github.com/adwski/moshi-moshi/backend/storage/sqlite"
	"github.com/adwski/moshi-moshi/backend/transport/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := config.LoadEnv(".env"); err != nil {
		logger.Fatal().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.ParseCreator(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("failed to open profile store")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	publisher := presence.NewPublisher(presence.PublisherConfig{
		Logger:     &logger,
		Store:      store,
		UserID:     cfg.UserID,
		Registerer: reg,
	})
	defer publisher.Close()

	alerts := &alert.Config{Logger: &logger, Out: os.Stderr}
	machine := callsession.New(&callsession.Config{
		Logger: &logger,
		Transport: peer.New(&peer.Config{
			Logger:     &logger,
			SignalURL:  cfg.SignalURL,
			ICEServers: cfg.ICEServers,
		}),
		Store:    store,
		Presence: publisher,
		Audio: media.NewFileSource(&media.SourceConfig{
			Logger: &logger,
			Path:   cfg.AudioFile,
		}),
		Pipeline: media.NewPipeline(&media.PipelineConfig{
			Logger:     &logger,
			Registerer: reg,
			RecordDir:  cfg.RecordDir,
		}),
		Ringer:          alert.NewRingtone(alerts),
		Chime:           alert.NewChime(alerts),
		Registerer:      reg,
		UserID:          cfg.UserID,
		Identity:        cfg.Identity,
		SendAutoReply:   cfg.SendAutoReply,
		EndedLinger:     cfg.EndedLinger,
		RegisterTimeout: cfg.RegisterTimeout,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		CallService: machine,
		Gatherer:    reg,
		ListenAddr:  cfg.APIListenAddr,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if mErr := machine.Run(ctx); mErr != nil {
			errc <- mErr
		}
	}()
	go httpSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

type seedableStore interface {
	presence.Store
	Put(ctx context.Context, p presence.Profile) error
}

// openStore returns the configured profile store, seeding the creator profile
// if seed values are given and the store has none.
func openStore(ctx context.Context, cfg *config.Creator) (presence.Store, func(), error) {
	seed := presence.Profile{
		UserID:   cfg.UserID,
		Username: cfg.SeedUsername,
		Status:   presence.Offline,
		Rate:     cfg.SeedRate,
	}

	var (
		store seedableStore
		closer func()
	)
	switch cfg.Store {
	case config.StoreRedis:
		rs := redis.NewStore(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, err
		}
		store, closer = rs, func() { _ = rs.Close() }
	case config.StoreSQLite:
		ss, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, closer = ss, func() { _ = ss.Close() }
	default:
		if seed.Username == "" {
			seed.Username = cfg.Identity
		}
		if seed.Username == "" {
			seed.Username = cfg.UserID
		}
		return memory.NewMemStore(seed), func() {}, nil
	}

	if seed.Username == "" {
		return store, closer, nil
	}
	_, err := store.GetProfile(ctx, cfg.UserID)
	switch {
	case errors.Is(err, presence.ErrProfileNotFound):
		err = store.Put(ctx, seed)
	case err == nil:
		return store, closer, nil
	}
	if err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}
