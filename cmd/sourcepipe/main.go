// Package main wires together the source identification service.
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
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/api"
	"github.com/civicdata/source-identification/internal/classify"
	"github.com/civicdata/source-identification/internal/clock/system"
	"github.com/civicdata/source-identification/internal/collector"
	"github.com/civicdata/source-identification/internal/config"
	"github.com/civicdata/source-identification/internal/fetch"
	"github.com/civicdata/source-identification/internal/id/uuid"
	"github.com/civicdata/source-identification/internal/logging"
	"github.com/civicdata/source-identification/internal/notify"
	"github.com/civicdata/source-identification/internal/operator"
	"github.com/civicdata/source-identification/internal/pipeline"
	"github.com/civicdata/source-identification/internal/scheduler"
	"github.com/civicdata/source-identification/internal/storage/gcs"
	memstorage "github.com/civicdata/source-identification/internal/storage/memory"
	"github.com/civicdata/source-identification/internal/storage/postgres"
	"github.com/civicdata/source-identification/internal/strategies"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := buildURLStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	clock := system.New()
	idGen := uuid.NewGenerator()

	fetcher, err := buildFetcher(cfg, logger)
	if err != nil {
		return err
	}
	classifier := classify.NewClient(classify.Config{
		BaseURL: cfg.Classifier.BaseURL,
		APIKey:  cfg.Classifier.APIKey,
		Timeout: time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
	})

	opCfg := operator.Config{
		PageSize: cfg.Scheduler.PageSize,
		Workers:  cfg.Scheduler.WorkerConcurrency,
	}
	opLogger := logger.Named("operator")
	operators := []operator.Operator{
		operator.NewHTMLFetch(store, fetcher, blobs, cfg.Storage.Prefix, cfg.Storage.ContentType, opCfg, opLogger),
		operator.NewRelevance(store, classifier, opCfg, opLogger),
		operator.NewRecordType(store, classifier, opCfg, opLogger),
		operator.NewAgency(store, classifier, opCfg, opLogger),
		operator.NewMiscMetadata(store, blobs, opCfg, opLogger),
		operator.NewDuplicateCheck(store, opCfg, opLogger),
		operator.NewSubmission(store, operator.SubmitConfig{
			Endpoint: cfg.Submission.Endpoint,
			APIKey:   cfg.Submission.APIKey,
			Timeout:  time.Duration(cfg.Submission.TimeoutSeconds) * time.Second,
		}, opCfg, opLogger),
	}

	sched := scheduler.New(operators, store, notifier, idGen, clock, cfg.Scheduler.MaxRepeats, logger.Named("scheduler"))
	trigger := scheduler.NewTrigger(ctx, sched.Run)
	registry := collector.NewRegistry(ctx, store, trigger, clock, cfg.AbortGrace(), logger.Named("collector"))

	if err := registry.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	// Drain any labeling work left over from the previous process.
	trigger.TriggerOrRerun()

	strategyReg := strategies.NewRegistry(strategies.Deps{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	apiServer := api.NewServer(registry, strategyReg, store, sched, trigger, idGen, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := registry.ShutdownAll(shutdownCtx); err != nil {
		logger.Error("collector shutdown error", zap.Error(err))
	}
	trigger.Wait()
	logger.Info("shutdown complete")
	return nil
}

func buildURLStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.URLStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("no database configured, using in-memory url store")
		return memstorage.NewURLStore(), func() {}, nil
	}
	store, err := postgres.NewURLStore(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect url store: %w", err)
	}
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.BlobStore, error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Warn("no gcs bucket configured, using in-memory blob store")
		return memstorage.NewBlobStore(), nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	return blobs, nil
}

func buildNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Notifier, error) {
	if !cfg.PubSub.Enabled {
		return notify.NewLogNotifier(logger.Named("alerts")), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return notify.NewPubSubNotifier(client.Topic(cfg.PubSub.TopicName))
}

func buildFetcher(cfg config.Config, logger *zap.Logger) (fetch.Fetcher, error) {
	var headless *fetch.Headless
	if cfg.Fetch.HeadlessEnabled {
		h, err := fetch.NewHeadless(fetch.HeadlessConfig{
			MaxParallel:       cfg.Fetch.HeadlessParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Fetch.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create headless renderer: %w", err)
		}
		headless = h
	}
	return fetch.NewClient(fetch.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		PerDomainRPS: cfg.Fetch.PerDomainRPS,
	}, fetch.NewDetector(0, nil), headless, logger.Named("fetch")), nil
}
