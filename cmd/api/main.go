package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/clock"
	"checkin/internal/config"
	"checkin/internal/credential"
	"checkin/internal/httpapi"
	"checkin/internal/logging"
	"checkin/internal/realtime"
	"checkin/internal/store"
	"checkin/internal/token"
)

func main() {
	envErr := config.LoadDotEnv()
	cfg := config.Load(config.New())
	logger := logging.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("ignoring .env", "err", envErr)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx := context.Background()
	clk := clock.Real()
	checks := map[string]func(context.Context) bool{}

	var st attendance.Store
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; records are lost on restart")
		st = attendance.NewMemoryStore()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		st = attendance.NewRepository(db)
		checks["db"] = func(ctx context.Context) bool { return store.Healthy(ctx, db) }
	}

	var (
		hub   realtime.Hub
		cache credential.Cache
	)
	switch cfg.RealtimeBackend {
	case "memory":
		hub = realtime.NewInMemory(16)
		cache = credential.NewMemoryCache(clk)
	default:
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		hub = realtime.NewRedis(rdb, "")
		cache = credential.NewRedisCache(rdb, clk, "")
		checks["redis"] = func(ctx context.Context) bool { return store.RedisHealthy(ctx, rdb) }
	}

	codec := token.NewCodec([]byte(cfg.TokenTagKey))
	svc := attendance.NewService(st, hub, codec, attendance.Options{
		Cooldown: cfg.ScanCooldown,
		Clock:    clk,
		Logger:   logger.With("component", "validator"),
	})
	gen := credential.NewGenerator(st, st, cache, codec, credential.Options{
		TTL:    cfg.TokenTTL,
		Clock:  clk,
		Logger: logger.With("component", "generator"),
	})

	r := httpapi.New(httpapi.Config{
		Service:         svc,
		Generator:       gen,
		Signer:          auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL),
		Logger:          logger.With("component", "http"),
		EnrollmentKey:   cfg.StationEnrollmentKey,
		UITick:          cfg.UITick,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Health: func(ctx context.Context) map[string]bool {
			out := make(map[string]bool, len(checks))
			for name, check := range checks {
				out[name] = check(ctx)
			}
			return out
		},
	})

	// WriteTimeout stays zero: live check-in screens hold SSE streams open.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "realtime", cfg.RealtimeBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "err", err)
	}
	logger.Info("server exited")
	return nil
}
