package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/archive"
	"github.com/dockhand/engine/internal/builder"
	"github.com/dockhand/engine/internal/events"
	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/metrics"
	"github.com/dockhand/engine/internal/orchestrator"
	"github.com/dockhand/engine/internal/queue/tasks"
	"github.com/dockhand/engine/internal/registry"
	"github.com/dockhand/engine/internal/remote"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/internal/secrets"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	db, err := database.Open(ctx, database.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL, Verbose: cfg.LogLevel == "debug"})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	runRepo := repository.NewRunRepository(db)
	targetRepo := repository.NewTargetRepository(db)

	if cfg.TargetsFile != "" {
		declared, err := targets.Load(cfg.TargetsFile)
		if err != nil {
			log.Fatal("load targets failed", zap.String("path", cfg.TargetsFile), zap.Error(err))
		}
		if err := targets.Sync(ctx, targetRepo, declared); err != nil {
			log.Fatal("sync targets failed", zap.Error(err))
		}
	}

	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	build, docker, err := builder.NewFromEnv(workingDir)
	if err != nil {
		log.Fatal("docker client init failed", zap.Error(err))
	}
	defer docker.Close()

	resolverOpts := []secrets.Option{}
	if cfg.VaultAddr != "" {
		vault, err := secrets.NewVault(cfg.VaultAddr, cfg.VaultToken)
		if err != nil {
			log.Fatal("vault client init failed", zap.Error(err))
		}
		resolverOpts = append(resolverOpts, secrets.WithProvider("vault", vault))
	}
	if ecrTokens, err := registry.NewECRTokensFromEnv(ctx); err != nil {
		log.Warn("ecr credentials unavailable, ecr: references will fail", zap.Error(err))
	} else {
		resolverOpts = append(resolverOpts, secrets.WithProvider("ecr", ecrTokens))
	}
	creds := secrets.NewResolver(resolverOpts...)

	executor, err := remote.NewExecutor(cfg.SSHKnownHosts)
	if err != nil {
		log.Fatal("ssh executor init failed", zap.Error(err))
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaBrokers != "" {
		k, err := events.NewKafka(cfg.Brokers(), cfg.KafkaTopic)
		if err != nil {
			log.Fatal("kafka publisher init failed", zap.Error(err))
		}
		publisher = k
	}
	defer publisher.Close()

	var archiver archive.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		s3, err := archive.NewS3(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatal("s3 archiver init failed", zap.Error(err))
		}
		archiver = s3
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	orch := orchestrator.New(orchestrator.Deps{
		Runs:     runRepo,
		Targets:  targetRepo,
		Builder:  build,
		Registry: registry.New(docker, creds),
		Executor: executor,
		Creds:    creds,
		Locker:   lock.NewRedis(rdb),
		Events:   publisher,
		Archiver: archiver,
		Metrics:  m,
	}, orchestrator.Config{
		StageTimeout: cfg.StageTimeout,
		MaxAttempts:  uint(cfg.StageMaxAttempts),
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		LeaseTTL:     cfg.LockTTL,
	})

	if n, err := orch.RecoverOrphans(ctx); err != nil {
		log.Error("orphan recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Warn("orphaned runs flagged for manual intervention", zap.Int("count", n))
	}
	go orch.Janitor(ctx, cfg.JanitorInterval, cfg.RunRetention)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency:     cfg.AsynqConcurrency,
			Queues:          map[string]int{tasks.QueueDeploy: 1},
			RetryDelayFunc:  tasks.RetryDelay,
			IsFailure:       tasks.IsFailure,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          log.Sugar(),
		},
	)

	mux := asynq.NewServeMux()
	handler := tasks.NewDeployTaskHandler(orch)
	mux.HandleFunc(tasks.TypeDeployRun, handler.HandleDeploy)

	if err := srv.Start(mux); err != nil {
		log.Fatal("asynq worker failed to start", zap.Error(err))
	}
	log.Info("asynq worker started", zap.Int("concurrency", cfg.AsynqConcurrency))

	<-ctx.Done()
	log.Info("shutdown signal received")

	// In-flight runs finish their current persistence and rollback work on
	// detached contexts before the server returns.
	srv.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("worker exited")
}
