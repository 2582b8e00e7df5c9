package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"imagestore/internal/batch"
	"imagestore/internal/cache"
	"imagestore/internal/events"
	"imagestore/internal/ingest"
	"imagestore/internal/models"
	"imagestore/internal/server"
	"imagestore/internal/storage"
	"imagestore/internal/transform"
	"imagestore/internal/validator"
	"imagestore/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(cfg *models.Config, logger *zap.Logger) (err error) {
	ctx := context.Background()
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	var meta storage.MetadataStore
	if cfg.DatabaseURL != "" {
		if err := storage.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		closers = append(closers, func() error { pg.Close(); return nil })
		meta = pg
		logger.Info("metadata store: postgres")
	} else {
		meta = storage.NewMemoryMetadata()
		logger.Warn("metadata store: in-memory, records are lost on restart")
	}

	var blobs storage.BlobStore
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = storage.NewS3Blobs(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
		logger.Info("blob store: s3", zap.String("bucket", cfg.Storage.S3Bucket))
	default:
		blobs, err = storage.NewFileBlobs(cfg.Storage.Path)
		logger.Info("blob store: filesystem", zap.String("path", cfg.Storage.Path))
	}
	if err != nil {
		return err
	}

	var variants cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.CacheTTL, "imagestore:variant")
		if err != nil {
			return err
		}
		variants = rc
	} else {
		variants = cache.NewMemory(cfg.CacheSize, cfg.CacheTTL)
	}
	closers = append(closers, variants.Close)

	var publisher events.Publisher = events.Nop{}
	if cfg.KafkaBroker != "" {
		publisher = events.NewKafka(cfg.KafkaBroker, cfg.KafkaTopic)
		logger.Info("publishing events", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}
	closers = append(closers, publisher.Close)

	tracker := batch.NewTracker()
	runner := ingest.NewRunner(logger)
	notifier := webhook.NewNotifier(cfg.Webhook, logger.Named("webhook"))
	engine := transform.NewEngine(cfg.Upload.DefaultQuality, cfg.Upload.MaxPixels)
	worker := ingest.NewWorker(validator.New(cfg.Upload), engine, meta, blobs, tracker, notifier, publisher, logger.Named("ingest"))

	srv := server.NewServer(cfg, server.Deps{
		Meta:      meta,
		Blobs:     blobs,
		Tracker:   tracker,
		Worker:    worker,
		Runner:    runner,
		Engine:    engine,
		Cache:     variants,
		Publisher: publisher,
		Logger:    logger.Named("http"),
	})

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go pruneBatches(janitorCtx, tracker, cfg.BatchRetention, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	logger.Info("waiting for running batches", zap.Int("in_flight", runner.InFlight()))
	if err := runner.Wait(shutdownCtx); err != nil {
		logger.Warn("batches still running at exit", zap.Error(err))
	}
	return nil
}

// pruneBatches drops finished batches older than retention.
func pruneBatches(ctx context.Context, tracker *batch.Tracker, retention time.Duration, logger *zap.Logger) {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tracker.Prune(retention); n > 0 {
				logger.Info("pruned finished batches", zap.Int("removed", n), zap.Int("remaining", tracker.Len()))
			}
		}
	}
}
