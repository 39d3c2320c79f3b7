package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/api"
	"github.com/dockhand/engine/internal/api/handlers"
	"github.com/dockhand/engine/internal/events"
	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/metrics"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/internal/services"
	"github.com/dockhand/engine/internal/targets"
	"github.com/dockhand/engine/pkg/config"
	"github.com/dockhand/engine/pkg/database"
	"github.com/dockhand/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting dockhand api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.Open(ctx, database.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL, Verbose: cfg.LogLevel == "debug"})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected", zap.String("driver", cfg.DatabaseDriver))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer queue.Close()

	runRepo := repository.NewRunRepository(db)
	targetRepo := repository.NewTargetRepository(db)

	if cfg.TargetsFile != "" {
		if declared, err := targets.Load(cfg.TargetsFile); err != nil {
			log.Warn("targets file not loaded, serving targets already in the database", zap.String("path", cfg.TargetsFile), zap.Error(err))
		} else if err := targets.Sync(ctx, targetRepo, declared); err != nil {
			log.Fatal("sync targets failed", zap.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaBrokers != "" {
		k, err := events.NewKafka(cfg.Brokers(), cfg.KafkaTopic)
		if err != nil {
			log.Fatal("kafka publisher init failed", zap.Error(err))
		}
		publisher = k
	}
	defer publisher.Close()

	runSvc := services.NewRunService(runRepo, targetRepo, lock.NewRedis(rdb), queue, publisher, m, services.RunServiceOptions{
		MaxQueued:   cfg.MaxQueuedRuns,
		TaskTimeout: cfg.TaskTimeout(),
	})
	targetSvc := services.NewTargetService(targetRepo)

	health := handlers.NewHealthHandler(map[string]handlers.Check{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	validate := validator.New(validator.WithRequiredStructEnabled())
	router := api.NewRouter(api.Dependencies{
		JWTSecret:         []byte(cfg.JWTSecret),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		HooksHandler:      handlers.NewHooksHandler(runSvc, []byte(cfg.WebhookSecret), validate),
		RunsHandler:       handlers.NewRunsHandler(runSvc),
		TargetsHandler:    handlers.NewTargetsHandler(targetSvc),
		HealthHandler:     health,
		Metrics:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
