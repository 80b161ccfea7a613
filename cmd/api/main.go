package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devicelink/server/internal/auth"
	"github.com/devicelink/server/internal/config"
	"github.com/devicelink/server/internal/db"
	httphandler "github.com/devicelink/server/internal/http"
	"github.com/devicelink/server/internal/logger"
	"github.com/devicelink/server/internal/metrics"
	"github.com/devicelink/server/internal/middleware"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New("devicelink", logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	links := auth.NewLinkService(store,
		auth.WithTTL(cfg.LinkTTL),
		auth.WithPollInterval(cfg.PollInterval),
		auth.WithBaseURL(cfg.PublicBaseURL),
		auth.WithLogger(log),
		auth.WithMetrics(m),
	)

	sweeper := auth.NewSweeper(store.Links(), auth.SweeperConfig{
		Interval:    cfg.SweepInterval,
		Retention:   cfg.LinkRetention,
		ClaimWindow: cfg.TokenClaimWindow,
		Logger:      log,
		Metrics:     m,
	})
	go sweeper.Run(ctx)

	limiters, closeLimiters, err := newLimiters(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLimiters()

	router := httphandler.NewRouter(httphandler.Deps{
		Links:     links,
		JWT:       auth.NewJWTService(cfg.SessionSecret),
		Store:     store,
		Limiters:  limiters,
		Metrics:   m,
		Logger:    log,
		AccessLog: true,
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// newLimiters builds the per-route limiters on Redis when REDIS_ADDR is set,
// in process otherwise.
func newLimiters(ctx context.Context, cfg *config.Config, log *slog.Logger) (httphandler.Limiters, func(), error) {
	if cfg.RedisAddr != "" {
		client, err := middleware.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return httphandler.Limiters{}, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("using redis rate limiter", "addr", cfg.RedisAddr)
		newLimiter := func(n int) middleware.Limiter {
			return middleware.NewRedisLimiter(client, n, cfg.RateLimitWindow, log)
		}
		return httphandler.Limiters{
			Init:     newLimiter(cfg.RateLimitInit),
			Poll:     newLimiter(cfg.RateLimitPoll),
			Complete: newLimiter(cfg.RateLimitComplete),
		}, func() { closeRedis(client, log) }, nil
	}

	initL := middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitInit)
	pollL := middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitPoll)
	completeL := middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitComplete)
	return httphandler.Limiters{Init: initL, Poll: pollL, Complete: completeL}, func() {
		initL.Close()
		pollL.Close()
		completeL.Close()
	}, nil
}

func closeRedis(client *redis.Client, log *slog.Logger) {
	if err := client.Close(); err != nil {
		log.Warn("failed to close redis client", "error", err)
	}
}
