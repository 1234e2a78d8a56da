// Package main runs the admin/orchestrator service: the time-boxed
// tier that dispatches pipeline work, serves job history, and hosts
// the cron scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/clock/system"
	"github.com/bizmatch/pipeline/internal/config"
	"github.com/bizmatch/pipeline/internal/embed"
	"github.com/bizmatch/pipeline/internal/id/uuid"
	"github.com/bizmatch/pipeline/internal/logging"
	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/orchestrator"
	"github.com/bizmatch/pipeline/internal/parse"
	"github.com/bizmatch/pipeline/internal/pipeline"
	"github.com/bizmatch/pipeline/internal/scheduler"
	"github.com/bizmatch/pipeline/internal/storage/gcs"
	memorystorage "github.com/bizmatch/pipeline/internal/storage/memory"
	"github.com/bizmatch/pipeline/internal/storage/postgres"
	"github.com/bizmatch/pipeline/internal/workerclient"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("admin", cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		ledger      pipeline.Ledger
		registry    pipeline.SourceRegistry
		projects    pipeline.ProjectStore
		attachments pipeline.AttachmentStore
		vectors     pipeline.VectorStore
		closeDB     = func() {}
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetime) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		ledger = postgres.NewLedger(pool)
		registry = postgres.NewRegistry(pool)
		projects = postgres.NewProjectStore(pool)
		attachments = postgres.NewAttachmentStore(pool)
		vectors = postgres.NewVectorStore(pool)
		closeDB = pool.Close
	} else {
		ledger = memorystorage.NewLedger()
		registry = memorystorage.NewRegistry()
		projects = memorystorage.NewProjectStore()
		attachments = memorystorage.NewAttachmentStore()
		vectors = memorystorage.NewVectorStore()
	}
	defer closeDB()

	clock := system.New()
	idGen := uuid.New()

	worker := workerclient.New(workerclient.Config{
		BaseURL:      cfg.Worker.BaseURL,
		SharedSecret: cfg.Worker.SharedSecret,
		Timeout:      time.Duration(cfg.Worker.RequestTimeout) * time.Second,
	})

	// Local embed runner is the bounded fallback when the worker is
	// unreachable.
	embedder := embed.NewClient(embed.ClientConfig{
		Endpoint: cfg.Embedding.Endpoint,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
	})
	embeds := embed.NewRunner(
		ledger,
		projects,
		vectors,
		embedder,
		clock,
		idGen,
		embed.RunnerConfig{
			BatchSize:     cfg.Embedding.LocalBatchSize,
			MaxInputChars: cfg.Embedding.MaxInputChars,
			MinInputChars: cfg.Embedding.MinInputChars,
			Lease:         cfg.EmbedLease(),
		},
		logger.Named("embed"),
	)

	blobs := buildBlobStore(ctx, cfg, logger)
	docParser := parse.NewClient(parse.ClientConfig{
		Endpoint: cfg.Parse.Endpoint,
		APIKey:   cfg.Parse.APIKey,
		Timeout:  time.Duration(cfg.Parse.TimeoutSeconds) * time.Second,
	})
	recovery := parse.NewRecovery(
		ledger,
		attachments,
		blobs,
		docParser,
		clock,
		idGen,
		parse.RecoveryConfig{
			BatchSize:       cfg.Parse.BatchSize,
			DownloadTimeout: time.Duration(cfg.Parse.DownloadTimeout) * time.Second,
			BlobPrefix:      cfg.Storage.Prefix,
		},
		logger.Named("parse"),
	)

	orch := orchestrator.New(
		ledger,
		registry,
		projects,
		attachments,
		worker,
		embeds,
		clock,
		idGen,
		orchestrator.Config{
			LocalBatchSize: cfg.Embedding.LocalBatchSize,
			StuckThreshold: cfg.StuckThreshold(),
		},
		logger.Named("orchestrator"),
	)

	sched := scheduler.New(registry, orch, recovery, scheduler.Config{
		EmbedSchedule: cfg.Schedules.Embed,
		ParseSchedule: cfg.Schedules.Parse,
	}, logger.Named("scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", zap.Error(err))
	}

	apiServer := orchestrator.NewServer(orch, recovery, cfg.Server.APIKey, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) pipeline.BlobStore {
	if cfg.Storage.Provider != "gcs" {
		return memorystorage.NewBlobStore()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		logger.Warn("gcs client init failed, using in-memory blob store", zap.Error(err))
		return memorystorage.NewBlobStore()
	}
	store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		logger.Warn("gcs blob store init failed, using in-memory blob store", zap.Error(err))
		return memorystorage.NewBlobStore()
	}
	return store
}
