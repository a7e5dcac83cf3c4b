// cmd/membergate/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"membergate/internal/common/config"
	"membergate/internal/common/database"
	"membergate/internal/common/logger"
	"membergate/internal/common/observability"
	"membergate/internal/dispatch"
	"membergate/internal/gate/membercache"
	"membergate/internal/gate/oracle"
	"membergate/internal/gate/recorder"
	"membergate/internal/gate/resolver"
	"membergate/internal/gate/verifier"
	"membergate/internal/intake"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	zapLog = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting membergate...")

	obs := observability.New("membergate")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis ---
	// The enforcement store is load-bearing; the cache is not. A missing
	// cache at boot only degrades every check to a direct oracle read, so
	// the service starts anyway and recovers when Redis returns.
	redisClient, _ := database.NewRedis(cfg.Database.Redis)
	defer redisClient.Close()

	err = retryWithBackoff(func() error {
		return redisClient.Ping(ctx)
	}, 5, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Warn("redis unreachable, starting with cache degraded", zap.Error(err))
	} else {
		zapLog.Info("Redis connected successfully")
	}

	// --- Build Verification Engine ---
	res := resolver.NewResolver(pg.DB, log)

	cacheConfig := &membercache.Config{
		PositiveTTL: time.Duration(cfg.Cache.PositiveTTL) * time.Second,
		NegativeTTL: time.Duration(cfg.Cache.NegativeTTL) * time.Second,
		Jitter:      cfg.Cache.Jitter,
		MarkerTTL:   time.Duration(cfg.Cache.MarkerTTL) * time.Second,
	}
	cache := membercache.NewCache(cacheConfig, redisClient.Client, log)

	oracleClient := oracle.NewClient(&oracle.Config{
		BaseURL:           cfg.Oracle.BaseURL,
		Token:             cfg.Oracle.Token,
		Timeout:           config.GetDuration(cfg.Oracle.Timeout),
		MinInterval:       config.GetDuration(cfg.Oracle.MinInterval),
		MaxRetries:        cfg.Oracle.MaxRetries,
		DefaultRetryAfter: config.GetDuration(cfg.Oracle.DefaultRetryAfter),
	}, log)

	rec := recorder.NewRecorder(&recorder.Config{
		QueueSize:       cfg.Recorder.QueueSize,
		ShutdownTimeout: config.GetDuration(cfg.Recorder.ShutdownTimeout),
	}, pg.DB, log)

	ver := verifier.NewHandler(verifier.LoadConfig(), res, cache, oracleClient, rec, log)

	disp := dispatch.NewDispatcher(&dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		QueueSize:    cfg.Dispatch.QueueSize,
		EventTimeout: config.GetDuration(cfg.Dispatch.EventTimeout),
	}, ver, obs, log)
	disp.Start()

	zapLog.Info("Verification engine ready")

	// --- Event Intake Server ---
	intakeConfig := intake.LoadConfig()
	if cfg.Server.MaxBodyBytes > 0 {
		intakeConfig.MaxBodyBytes = cfg.Server.MaxBodyBytes
	}
	srv := intake.NewServer(intakeConfig, disp, pg, redisClient, log)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zapLog.Info("Event intake listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("intake server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	// Stop intake first so no new events arrive, then drain the queue,
	// then flush pending outcome writes.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("intake shutdown failed", zap.Error(err))
	}
	if err := disp.Stop(shutdownCtx); err != nil {
		zapLog.Error("dispatcher stop failed", zap.Error(err))
	}
	if err := rec.Close(shutdownCtx); err != nil {
		zapLog.Error("recorder close failed", zap.Error(err))
	}

	zapLog.Info("membergate stopped gracefully")
}
