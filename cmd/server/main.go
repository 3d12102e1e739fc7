package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Whiteboard/internal/adapters/http"
	wsignal "github.com/dkeye/Whiteboard/internal/adapters/signal"
	"github.com/dkeye/Whiteboard/internal/adapters/store/memory"
	redisstore "github.com/dkeye/Whiteboard/internal/adapters/store/redis"
	"github.com/dkeye/Whiteboard/internal/adapters/store/sqlite"
	"github.com/dkeye/Whiteboard/internal/app"
	"github.com/dkeye/Whiteboard/internal/app/orch"
	"github.com/dkeye/Whiteboard/internal/config"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/metrics"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

// run serves until ctx is done. Every resource it opens is released before
// it returns, including on a failed start.
func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	meter, shutdownTelemetry, err := metrics.Setup(ctx, metrics.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown")
		}
	}()
	m, err := metrics.New(meter)
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}

	clock := clockwork.NewRealClock()
	engine := orch.New(store, clock, m, orch.Config{
		Heartbeat: cfg.HeartbeatInterval,
		Registry: app.RegistryConfig{
			Grace:        cfg.GracePeriod,
			LoadTimeout:  cfg.LoadTimeout,
			WriteTimeout: cfg.Persist.WriteTimeout,
		},
		Sync: app.SyncConfig{
			WriteTimeout: cfg.Persist.WriteTimeout,
			MaxRetries:   cfg.Persist.MaxRetries,
			RetryBackoff: cfg.Persist.RetryBackoff,
		},
		Policy: app.SimplePolicy{},
	})
	engine.Start()

	ws := wsignal.NewController(engine, clock, wsignal.Config{
		ReadLimit:    cfg.ReadLimit,
		WriteWait:    cfg.WriteWait,
		SendBuffer:   cfg.SendBuffer,
		RateLimit:    cfg.RateLimit.Messages,
		RateInterval: cfg.RateLimit.Interval,
	})

	r := router.SetupRouter(cfg, engine, store, ws)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Whiteboard server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown")
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve %s: %w", addr, err)
	default:
		return nil
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (core.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Str("module", "main").Msg("memory store: rooms do not survive a restart")
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "redis":
		s := redisstore.New(redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
