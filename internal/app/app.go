// Package app initializes and holds the long-lived services of the capture
// system, acting as a dependency injection container. It is initialized once
// at startup and wired into the HTTP server and scan loop.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/api"
	"github.com/snapvault/snapvault/internal/capture"
	"github.com/snapvault/snapvault/internal/clock/system"
	"github.com/snapvault/snapvault/internal/config"
	"github.com/snapvault/snapvault/internal/coordinator"
	deadletterMemory "github.com/snapvault/snapvault/internal/deadletter/memory"
	deadletterPubsub "github.com/snapvault/snapvault/internal/deadletter/pubsub"
	"github.com/snapvault/snapvault/internal/hash/sha256"
	"github.com/snapvault/snapvault/internal/id/uuid"
	"github.com/snapvault/snapvault/internal/orchestrator"
	chromedpRenderer "github.com/snapvault/snapvault/internal/renderer/chromedp"
	"github.com/snapvault/snapvault/internal/storage/gcs"
	storageMemory "github.com/snapvault/snapvault/internal/storage/memory"
	"github.com/snapvault/snapvault/internal/storage/postgres"
	"github.com/snapvault/snapvault/internal/verify"
)

// App holds every long-lived service the binary runs.
type App struct {
	Logger       *zap.Logger
	Coordinator  *coordinator.Coordinator
	Orchestrator *orchestrator.Orchestrator
	Loop         *coordinator.Loop
	Server       *api.Server

	closers []func()
}

// Option overrides a service during construction, used by tests to avoid
// launching a real browser.
type Option func(*overrides)

type overrides struct {
	renderer capture.Renderer
}

// WithRenderer substitutes the renderer implementation.
func WithRenderer(r capture.Renderer) Option {
	return func(o *overrides) { o.renderer = r }
}

// New builds the service graph from configuration, failing fast when any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}

	a := &App{Logger: logger}

	schedules, records, err := a.buildMetadataStores(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	artifacts, err := a.buildArtifactStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	deadLetter, err := a.buildDeadLetter(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	renderer := ov.renderer
	if renderer == nil {
		r, err := chromedpRenderer.New(rendererConfig(cfg), logger.Named("renderer"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init renderer: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		renderer = r
	}

	clock := system.New()
	ids := uuid.New()

	workerID := cfg.Scheduler.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	a.Coordinator = coordinator.New(schedules, records, clock, ids, coordinator.Config{
		WorkerID:          workerID,
		LeaseTTL:          cfg.LeaseTTL(),
		ScanLimit:         cfg.Scheduler.ScanLimit,
		IdempotencyWindow: cfg.IdempotencyWindow(),
	}, logger.Named("coordinator"))

	hasher := sha256.New()
	a.Orchestrator = orchestrator.New(records, artifacts, renderer, hasher, deadLetter,
		a.Coordinator, clock, orchestrator.Config{
			RenderTimeout: cfg.RenderTimeout(),
			KeyPrefix:     cfg.Storage.KeyPrefix,
			Retention:     cfg.RetentionPeriods(),
		}, logger.Named("orchestrator"))

	a.Loop = coordinator.NewLoop(a.Coordinator, a.Orchestrator, clock, coordinator.LoopConfig{
		Interval:    cfg.ScanInterval(),
		Concurrency: cfg.Scheduler.Concurrency,
	}, logger.Named("loop"))

	verifier := verify.New(records, artifacts, hasher, logger.Named("verify"))
	a.Server = api.NewServer(a.Coordinator, a.Loop, records, schedules, artifacts, verifier, cfg, logger.Named("api"))

	return a, nil
}

func rendererConfig(cfg config.Config) chromedpRenderer.Config {
	return chromedpRenderer.Config{
		MaxConcurrency: cfg.Render.MaxParallel,
		UserAgent:      cfg.Render.UserAgent,
		Locale:         cfg.Render.Locale,
		Timezone:       cfg.Render.Timezone,
		HardTimeout:    cfg.RenderTimeout(),
		NetworkIdleCap: time.Duration(cfg.Render.NetworkIdleCapSecs) * time.Second,
		HostQPS:        cfg.Render.HostQPS,
	}
}

func (a *App) buildMetadataStores(ctx context.Context, cfg config.Config) (capture.ScheduleStore, capture.RecordStore, error) {
	switch cfg.DB.Backend {
	case "postgres":
		a.Logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, store, nil
	case "memory":
		a.Logger.Info("using in-memory metadata store")
		store := storageMemory.NewMetadataStore()
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown db backend: %s", cfg.DB.Backend)
	}
}

func (a *App) buildArtifactStore(ctx context.Context, cfg config.Config) (capture.ArtifactStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		a.Logger.Info("using gcs artifact store", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case "memory":
		a.Logger.Info("using in-memory artifact store")
		return storageMemory.NewArtifactStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func (a *App) buildDeadLetter(ctx context.Context, cfg config.Config) (capture.DeadLetter, error) {
	if !cfg.PubSub.Enabled {
		a.Logger.Info("using in-memory dead-letter channel")
		return deadletterMemory.New(), nil
	}
	a.Logger.Info("using pubsub dead-letter channel",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := deadletterPubsub.NewFromClient(client, cfg.PubSub.TopicName)
	a.closers = append(a.closers, func() {
		pub.Stop()
		_ = client.Close()
	})
	return pub, nil
}

// Close shuts down every service in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
