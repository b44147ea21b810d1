package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/televisit/internal/adapters/http"
	relay "github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/adapters/store"
	"github.com/dkeye/televisit/internal/app"
	"github.com/dkeye/televisit/internal/config"
	"github.com/dkeye/televisit/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogger(cfg.Mode, cfg.Log)

	ch, closeStore, err := openChannel(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open signaling store")
	}
	defer closeStore()

	var limiter *relay.RateLimiter
	if cfg.RateLimit.Limit > 0 {
		limiter = relay.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Interval)
		go forgetIdle(ctx, limiter, cfg.RateLimit.Interval)
	}

	srv := relay.NewServer(ch, limiter, relay.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Registry:   app.NewRegistry(),
		Policy:     app.SimplePolicy{},
	})

	r := router.SetupRouter(ctx, cfg, ch, srv)
	addr := fmt.Sprintf(":%d", cfg.Port)

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("backend", cfg.Signal.Backend).Msg("signaling relay started")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openChannel(ctx context.Context, cfg *config.Config) (core.Channel, func(), error) {
	switch cfg.Signal.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		return store.NewRedis(rdb, cfg.Redis.Prefix, cfg.Store.EndedTTL), func() { _ = rdb.Close() }, nil
	case "memory":
		return store.NewMemory(cfg.Store.EndedTTL), func() {}, nil
	}
	return nil, nil, fmt.Errorf("backend %q cannot be served by the relay", cfg.Signal.Backend)
}

// forgetIdle trims the limiter history of idle clients once per window.
func forgetIdle(ctx context.Context, rl *relay.RateLimiter, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Forget()
		}
	}
}
