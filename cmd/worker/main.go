// Package main runs the out-of-process pipeline worker: the service
// that executes crawl jobs and embedding batches without a request
// time budget.
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

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/bizmatch/pipeline/internal/clock/system"
	"github.com/bizmatch/pipeline/internal/config"
	"github.com/bizmatch/pipeline/internal/crawl"
	"github.com/bizmatch/pipeline/internal/embed"
	collyfetcher "github.com/bizmatch/pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/bizmatch/pipeline/internal/fetcher/headless"
	"github.com/bizmatch/pipeline/internal/id/uuid"
	"github.com/bizmatch/pipeline/internal/logging"
	"github.com/bizmatch/pipeline/internal/metrics"
	"github.com/bizmatch/pipeline/internal/pipeline"
	memorypublisher "github.com/bizmatch/pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/bizmatch/pipeline/internal/publisher/pubsub"
	queuememory "github.com/bizmatch/pipeline/internal/queue/memory"
	"github.com/bizmatch/pipeline/internal/runner"
	memorystorage "github.com/bizmatch/pipeline/internal/storage/memory"
	"github.com/bizmatch/pipeline/internal/storage/postgres"
	"github.com/bizmatch/pipeline/internal/workerapi"
)

type stores struct {
	ledger      pipeline.Ledger
	registry    pipeline.SourceRegistry
	projects    pipeline.ProjectStore
	attachments pipeline.AttachmentStore
	vectors     pipeline.VectorStore
	close       func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("worker", cfg.Logging.Development)
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

	db, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer db.close()

	publisher := buildPublisher(ctx, cfg, logger)
	clock := system.New()
	idGen := uuid.New()

	static := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   time.Duration(cfg.Crawl.TimeoutSeconds) * time.Second,
	})
	var headless pipeline.Fetcher
	if cfg.Headless.Enabled {
		chromeFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = chromeFetcher
		}
	}

	crawler := crawl.New(
		db.ledger,
		db.registry,
		db.projects,
		db.attachments,
		static,
		headless,
		publisher,
		clock,
		crawl.Config{MaxPages: cfg.Crawl.MaxPages, Topic: cfg.PubSub.TopicName},
		logger.Named("crawl"),
	)

	embedder := embed.NewClient(embed.ClientConfig{
		Endpoint: cfg.Embedding.Endpoint,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
	})
	embeds := embed.NewRunner(
		db.ledger,
		db.projects,
		db.vectors,
		embedder,
		clock,
		idGen,
		embed.RunnerConfig{
			BatchSize:     cfg.Embedding.BatchSize,
			MaxInputChars: cfg.Embedding.MaxInputChars,
			MinInputChars: cfg.Embedding.MinInputChars,
			Lease:         cfg.EmbedLease(),
		},
		logger.Named("embed"),
	)

	queue := queuememory.NewQueue(cfg.Worker.QueueDepth)
	tasks := runner.New(queue, crawler, embeds, logger.Named("runner"))
	apiServer := workerapi.NewServer(queue, embeds, clock, cfg.Worker.SharedSecret, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("task runner started")
		if err := tasks.Run(ctx); err != nil {
			logger.Error("task runner stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("worker http server started", zap.Int("port", cfg.Worker.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.DB.DSN == "" {
		return stores{
			ledger:      memorystorage.NewLedger(),
			registry:    memorystorage.NewRegistry(),
			projects:    memorystorage.NewProjectStore(),
			attachments: memorystorage.NewAttachmentStore(),
			vectors:     memorystorage.NewVectorStore(),
			close:       func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetime) * time.Minute,
	})
	if err != nil {
		return stores{}, err
	}
	return stores{
		ledger:      postgres.NewLedger(pool),
		registry:    postgres.NewRegistry(pool),
		projects:    postgres.NewProjectStore(pool),
		attachments: postgres.NewAttachmentStore(pool),
		vectors:     postgres.NewVectorStore(pool),
		close:       pool.Close,
	}, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) pipeline.Publisher {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New()
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("pubsub client init failed, completion events disabled", zap.Error(err))
		return memorypublisher.New()
	}
	return pubsubpublisher.New(client)
}
