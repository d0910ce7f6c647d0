// Package main wires together the screenshot service binary.
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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lumaview/pageshot/internal/api"
	"github.com/lumaview/pageshot/internal/capture"
	"github.com/lumaview/pageshot/internal/clock/system"
	"github.com/lumaview/pageshot/internal/config"
	"github.com/lumaview/pageshot/internal/dispatcher"
	"github.com/lumaview/pageshot/internal/hash/sha256"
	"github.com/lumaview/pageshot/internal/id/uuid"
	"github.com/lumaview/pageshot/internal/logging"
	"github.com/lumaview/pageshot/internal/metrics"
	"github.com/lumaview/pageshot/internal/notifier"
	"github.com/lumaview/pageshot/internal/policy/ratelimit"
	"github.com/lumaview/pageshot/internal/policy/simple"
	collyprobe "github.com/lumaview/pageshot/internal/probe/colly"
	"github.com/lumaview/pageshot/internal/progress"
	"github.com/lumaview/pageshot/internal/progress/sinks"
	kafkapublisher "github.com/lumaview/pageshot/internal/publisher/kafka"
	memorypublisher "github.com/lumaview/pageshot/internal/publisher/memory"
	pubsubpublisher "github.com/lumaview/pageshot/internal/publisher/pubsub"
	queueMemory "github.com/lumaview/pageshot/internal/queue/memory"
	chromedprenderer "github.com/lumaview/pageshot/internal/renderer/chromedp"
	nooprenderer "github.com/lumaview/pageshot/internal/renderer/noop"
	gcsStorage "github.com/lumaview/pageshot/internal/storage/gcs"
	localStorage "github.com/lumaview/pageshot/internal/storage/local"
	memoryStorage "github.com/lumaview/pageshot/internal/storage/memory"
	postgresStorage "github.com/lumaview/pageshot/internal/storage/postgres"
	"github.com/lumaview/pageshot/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
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

	captureStore, err := buildCaptureStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("capture store init failed", zap.Error(err))
	}
	blobStore, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	publisher, pubCleanup, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer pubCleanup()

	queue := queueMemory.NewQueue(cfg.Capture.QueueDepth)
	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()
	blocklist := capture.NewHostBlocklist(cfg.Capture.BlockedHosts)

	renderer, err := buildRenderer(cfg, logger)
	if err != nil {
		logger.Fatal("renderer init failed", zap.Error(err))
	}
	if closer, ok := renderer.(interface{ Close() }); ok {
		defer closer.Close()
	}

	var prober capture.Prober
	if cfg.Probe.Enabled {
		prober = collyprobe.New(collyprobe.Config{
			UserAgent: cfg.Probe.UserAgent,
			Timeout:   time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		})
	}

	notify := notifier.New(notifier.Config{
		Timeout:        cfg.NotifyTimeout(),
		MaxRetries:     cfg.Notify.MaxRetries,
		BackoffInitial: time.Duration(cfg.Notify.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Notify.BackoffMaxMs) * time.Millisecond,
	}, logger.Named("notifier"))

	var pol capture.Policy
	if cfg.RateLimit.Enabled {
		pol = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
	} else {
		pol = simple.New()
	}

	hub := buildProgressHub(ctx, cfg, logger)

	workerCfg := worker.Config{
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.Events.Topic,
	}

	var pool []dispatcher.Runner
	for i := 0; i < cfg.Capture.Concurrency; i++ {
		pool = append(pool, worker.New(
			queue,
			captureStore,
			blobStore,
			publisher,
			hasher,
			clock,
			renderer,
			prober,
			notify,
			pol,
			hub,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, pool, logger.Named("dispatcher"))

	apiServer := api.NewServer(
		captureStore,
		dispatch,
		renderer,
		notify,
		idGen,
		clock,
		blocklist,
		cfg,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go dispatch.Run(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
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
	if hub != nil {
		if err := hub.Close(shutdownCtx); err != nil {
			logger.Error("progress hub close error", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

func buildCaptureStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (capture.CaptureStore, error) {
	if cfg.Database.DSN == "" {
		logger.Info("using in-memory capture store")
		return memoryStorage.NewCaptureStore(), nil
	}
	logger.Info("using postgres capture store")
	store, err := postgresStorage.NewCaptureStore(ctx, postgresStorage.CaptureStoreConfig{
		DSN:             cfg.Database.DSN,
		CapturesTable:   cfg.Database.CapturesTable,
		ShotsTable:      cfg.Database.ShotsTable,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres capture store: %w", err)
	}
	return store, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (capture.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	case "local":
		logger.Info("using local blob store", zap.String("base_dir", cfg.Storage.Local.BaseDir))
		store, err := localStorage.New(localStorage.Config{BaseDir: cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		logger.Info("using gcs blob store", zap.String("bucket", cfg.Storage.Bucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcsStorage.New(client, gcsStorage.Config{Bucket: cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (capture.Publisher, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case "memory":
		logger.Info("using in-memory event publisher")
		return memorypublisher.New(), noop, nil
	case "pubsub":
		logger.Info("using pubsub event publisher",
			zap.String("project", cfg.Events.PubSub.ProjectID),
			zap.String("topic", cfg.Events.PubSub.TopicName),
		)
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSub.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSub.TopicName)
		cleanup := func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Error("pubsub client close error", zap.Error(err))
			}
		}
		return pubsubpublisher.New(topic), cleanup, nil
	case "kafka":
		logger.Info("using kafka event publisher", zap.Strings("brokers", cfg.Events.Kafka.Brokers))
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("kafka publisher: %w", err)
		}
		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Close(closeCtx); err != nil {
				logger.Error("kafka publisher close error", zap.Error(err))
			}
		}
		return pub, cleanup, nil
	default:
		return nil, noop, fmt.Errorf("unknown events backend: %s", cfg.Events.Backend)
	}
}

func buildRenderer(cfg config.Config, logger *zap.Logger) (capture.Renderer, error) {
	switch cfg.Renderer.Backend {
	case "chromedp":
		r, err := chromedprenderer.New(chromedprenderer.Config{
			MaxParallel:       cfg.Renderer.MaxParallel,
			NavigationTimeout: cfg.NavTimeout(),
			NoSandbox:         cfg.Renderer.NoSandbox,
		})
		if err != nil {
			return nil, fmt.Errorf("chromedp renderer: %w", err)
		}
		return r, nil
	case "noop":
		logger.Warn("using noop renderer; captures will fail")
		return nooprenderer.New(), nil
	default:
		return nil, fmt.Errorf("unknown renderer backend: %s", cfg.Renderer.Backend)
	}
}

func buildProgressHub(ctx context.Context, cfg config.Config, logger *zap.Logger) *progress.Hub {
	if !cfg.Progress.Enabled {
		return nil
	}
	var hubSinks []progress.Sink
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Warn("progress prometheus sink init failed", zap.Error(err))
	} else {
		hubSinks = append(hubSinks, promSink)
	}
	if cfg.Progress.LogEnabled {
		hubSinks = append(hubSinks, sinks.NewLogSink(logger.Named("progress")))
	}
	return progress.NewHub(progress.Config{
		BufferSize:    cfg.Progress.BufferSize,
		BatchSize:     cfg.Progress.Batch.MaxEvents,
		FlushInterval: time.Duration(cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:   time.Duration(cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:   ctx,
		Logger:        logger.Named("progress"),
	}, hubSinks...)
}
