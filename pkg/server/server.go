// Package server provides the public entry point for initializing the
// askbase server.
//
// This package exists in pkg/ (not internal/) so embedders can compose
// the full server and wrap the handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/api"
	"github.com/askbase/askbase/internal/api/handlers"
	"github.com/askbase/askbase/internal/blob"
	"github.com/askbase/askbase/internal/config"
	"github.com/askbase/askbase/internal/embeddings"
	"github.com/askbase/askbase/internal/generator"
	"github.com/askbase/askbase/internal/ingest"
	"github.com/askbase/askbase/internal/notify"
	"github.com/askbase/askbase/internal/quota"
	"github.com/askbase/askbase/internal/rag"
	"github.com/askbase/askbase/internal/retention"
	"github.com/askbase/askbase/internal/retrieval"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/internal/telemetry"
	"github.com/askbase/askbase/internal/vectorstore"
	"github.com/askbase/askbase/internal/widget"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/models"
)

// Server holds the initialized askbase platform.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the relational data store (in-memory without DATABASE_URL).
	Store store.Store

	// Workers is the ingest worker pool; Start is called by New.
	Workers *ingest.Pool

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to stop workers
	// and flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and
// returns a ready Server with ingest workers already draining.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the platform with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// ── Storage ─────────────────────────────────────────────

	var (
		dataStore store.Store
		queue     contracts.Queue
		vectors   contracts.VectorStore
	)

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		dataStore = pg

		pgq, err := ingest.NewPostgresQueue(ctx, pg.Pool(), cfg.Ingest.VisibilityTimeout, cfg.Ingest.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("init postgres queue: %w", err)
		}
		queue = pgq

		pgv, err := vectorstore.NewPgvectorStore(ctx, pg.Pool(), embedder.Dimensions())
		if err != nil {
			return nil, fmt.Errorf("init pgvector: %w", err)
		}
		vectors = pgv
		log.Info().Msg("PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		queue = ingest.NewMemoryQueue(
			ingest.WithVisibilityTimeout(cfg.Ingest.VisibilityTimeout),
			ingest.WithMaxAttempts(cfg.Ingest.MaxAttempts),
		)
		vectors = vectorstore.NewEmbeddedStore()
		log.Info().Msg("In-memory store initialized")
	}

	var blobs contracts.BlobStore
	if cfg.Blob.Dir != "" {
		local, err := blob.NewLocalStore(cfg.Blob.Dir)
		if err != nil {
			return nil, fmt.Errorf("init blob dir: %w", err)
		}
		blobs = local
	} else {
		blobs = blob.NewMemoryStore()
	}

	var cache contracts.ResultCache
	if cfg.Retrieval.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Retrieval.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		cache = retrieval.NewRedisCache(redis.NewClient(opts), cfg.Retrieval.CacheTTL)
		log.Info().Msg("Redis retrieval cache initialized")
	} else {
		cache = retrieval.NewMemoryCache(cfg.Retrieval.CacheTTL)
	}

	// ── Services ────────────────────────────────────────────

	engine := retrieval.NewEngine(retrieval.EngineConfig{
		Embedder: embedder,
		Vectors:  vectors,
		Lexical:  retrieval.NewBM25Searcher(dataStore),
		Cache:    cache,
		Alpha:    cfg.Retrieval.Alpha,
		DenseK:   cfg.Retrieval.DenseK,
		LexicalK: cfg.Retrieval.LexicalK,
	})

	gen, err := buildGenerator(cfg)
	if err != nil {
		return nil, err
	}

	qm := quota.NewManager(dataStore)
	orch := rag.New(dataStore, qm, engine, gen, nil, rag.Config{
		Deadline:         cfg.Query.Deadline,
		RetrievalBudget:  cfg.Query.RetrievalBudget,
		MaxContextLength: cfg.Query.MaxContextLength,
	})

	workers := ingest.NewPool(ingest.PoolConfig{
		Queue:          queue,
		Store:          dataStore,
		Blobs:          blobs,
		Embedder:       embedder,
		Vectors:        vectors,
		Cache:          cache,
		Notifier:       notify.NewNotifier(cfg.Notify.WebhookURL, cfg.Notify.Secret),
		Workers:        cfg.Ingest.Workers,
		AttemptTimeout: cfg.Ingest.AttemptTimeout,
		Visibility:     cfg.Ingest.VisibilityTimeout,
	})
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers.Start(workerCtx)

	if cfg.Retention.Enabled {
		janitor := retention.NewJanitor(dataStore, blobs, vectors, retention.Config{
			Interval:           cfg.Retention.Interval,
			IdleSessionAfter:   cfg.Retention.IdleSessionAfter,
			PurgeSessionsAfter: cfg.Retention.PurgeSessionsAfter,
		})
		if cfg.Retention.ArchiveDir != "" {
			janitor.RegisterArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.CompressArchive))
		}
		go janitor.Start(workerCtx)
	}

	// ── Widget & API surface ────────────────────────────────

	issuer := widget.NewIssuer(dataStore)
	transport := widget.NewTransport(dataStore, issuer, orch, widget.TransportConfig{
		IdleTimeout:       cfg.Widget.IdleTimeout,
		MaxConnections:    cfg.Widget.MaxConnections,
		MessagesPerMinute: cfg.Widget.RateLimitPerMinute,
	})
	script := widget.NewScriptHandler(issuer, "/widget/ws")

	h := handlers.New(dataStore, blobs, queue, vectors, cache, orch, engine, qm, issuer)
	h.MaxFileSizeBytes = cfg.Ingest.MaxFileSizeBytes
	h.QueueHighWater = cfg.Ingest.QueueHighWater

	router := api.NewRouter(cfg, h, transport, script)

	if cfg.Database.URL == "" {
		seedDefaultWorkspace(ctx, dataStore, issuer)
	}

	shutdown := func(ctx context.Context) error {
		stopWorkers()
		workers.Wait()
		return otelShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Workers:      workers,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func buildEmbedder(cfg *config.Config) (contracts.EmbeddingDriver, error) {
	switch cfg.Embedding.Driver {
	case "hash", "":
		return embeddings.NewHashDriver(cfg.Embedding.Dim), nil
	case "openai":
		if cfg.Embedding.APIKey == "" {
			return nil, fmt.Errorf("embedding driver %q requires OPENAI_API_KEY", cfg.Embedding.Driver)
		}
		return embeddings.NewOpenAIDriver(cfg.Embedding.APIKey, cfg.Embedding.ModelID,
			embeddings.WithOpenAIBatchSize(cfg.Embedding.BatchSize)), nil
	default:
		return nil, fmt.Errorf("unknown embedding driver %q", cfg.Embedding.Driver)
	}
}

// buildGenerator selects the generator driver and wraps it in the
// circuit breaker so a flapping provider fails fast.
func buildGenerator(cfg *config.Config) (contracts.GeneratorDriver, error) {
	var inner contracts.GeneratorDriver
	switch cfg.Generator.Driver {
	case "canned", "":
		inner = generator.NewCannedDriver()
	case "openai":
		if cfg.Generator.APIKey == "" {
			return nil, fmt.Errorf("generator driver %q requires OPENAI_API_KEY", cfg.Generator.Driver)
		}
		inner = generator.NewOpenAIDriver(cfg.Generator.APIKey, cfg.Generator.ModelID)
	default:
		return nil, fmt.Errorf("unknown generator driver %q", cfg.Generator.Driver)
	}
	return generator.NewBreaker(inner), nil
}

// seedDefaultWorkspace makes a zero-config deployment usable immediately:
// a default workspace with an active subscription and one embed code.
func seedDefaultWorkspace(ctx context.Context, s store.Store, issuer *widget.Issuer) {
	if _, err := s.GetWorkspace(ctx, "default"); err == nil {
		return
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:        "default",
		Name:      "Default Workspace",
		Plan:      models.PlanFree,
		Active:    true,
		CreatedAt: now,
	}
	if err := s.CreateWorkspace(ctx, ws); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default workspace")
		return
	}
	if err := s.CreateSubscription(ctx, &models.Subscription{
		WorkspaceID:       ws.ID,
		Tier:              ws.Plan,
		Status:            models.SubscriptionActive,
		PeriodStart:       now,
		PeriodEnd:         now.Add(models.PeriodLength),
		MonthlyQueryQuota: models.DefaultQuota(ws.Plan),
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default subscription")
		return
	}
	code, err := issuer.Mint(ctx, ws.ID, "system", "Default widget", models.WidgetConfig{}, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to seed default embed code")
		return
	}
	log.Info().Str("embed_key", code.APIKey).Msg("Default workspace seeded")
}
