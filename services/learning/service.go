// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learning assembles the continual-learning core of quotewise:
// event capture, the durable update pipeline, the temporal knowledge
// graph, the exemplar store, the strategy bandit, and the inference
// engine, exposed over one HTTP API.
//
// # Degraded startup
//
// Only the embedded database is a hard dependency. Weaviate, the embedding
// provider, and the LLM provider are all optional at startup: the service
// comes up degraded without them, keeps capturing events, and serves
// facts-only predictions until they return.
//
// # Usage
//
//	cfg := learning.Config{Port: 12310, DataDir: "/var/lib/quotewise"}
//	svc, err := learning.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/quotewise/services/learning/bandit"
	"github.com/AleutianAI/quotewise/services/learning/capture"
	"github.com/AleutianAI/quotewise/services/learning/embed"
	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/inference"
	"github.com/AleutianAI/quotewise/services/learning/knowledge"
	"github.com/AleutianAI/quotewise/services/learning/llm"
	"github.com/AleutianAI/quotewise/services/learning/observability"
	"github.com/AleutianAI/quotewise/services/learning/pipeline"
	"github.com/AleutianAI/quotewise/services/learning/routes"
	"github.com/AleutianAI/quotewise/services/learning/storage"
)

// Config holds service configuration options. Zero values take defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// DataDir is the directory for the embedded database.
	// Default: "./data/learning".
	DataDir string

	// LLMBackend specifies the generation provider.
	// Valid values: "openai", "ollama", "none". Default: "openai".
	LLMBackend string

	// WeaviateURL is the vector database URL. Empty starts the exemplar
	// store degraded.
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// disables tracing export.
	OTelEndpoint string

	// EnableMetrics exposes the Prometheus /metrics scrape endpoint.
	// Collection itself is always on.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// PruneInterval is how often the exemplar pruner sweeps.
	// Default: 1 hour.
	PruneInterval time.Duration

	// BanditSeed seeds the Thompson sampler. Zero uses the clock.
	BanditSeed int64

	// Logger is the root logger. Default: slog.Default().
	Logger *slog.Logger
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/learning"
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.BanditSeed == 0 {
		cfg.BanditSeed = time.Now().UnixNano()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Service is the assembled learning core.
//
// Thread Safety: Safe for concurrent use after New returns. Run blocks and
// should be called once.
type Service struct {
	config Config
	logger *slog.Logger

	db             *storage.DB
	queue          *pipeline.Queue
	captureSvc     *capture.Service
	knowledgeStore *knowledge.Store
	exemplarStore  *exemplar.Store
	pruner         *exemplar.Pruner
	selector       *bandit.Selector
	engine         *inference.Engine
	router         *gin.Engine
	tracerCleanup  func(context.Context)
}

// New wires the learning core.
//
// Description:
//
//	Opens the embedded database, connects the optional external
//	dependencies, builds the three pipeline consumers, and registers the
//	HTTP routes. Failures on optional dependencies log a warning and
//	leave the matching component degraded; only database failures abort.
func New(cfg Config) (*Service, error) {
	cfg = applyConfigDefaults(cfg)
	s := &Service{
		config: cfg,
		logger: cfg.Logger,
	}

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			s.logger.Warn("tracer initialization failed, continuing without export",
				slog.Any("error", err))
		} else {
			s.tracerCleanup = cleanup
		}
	}

	if observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}

	storageCfg := storage.DefaultConfig()
	storageCfg.Path = cfg.DataDir
	storageCfg.Logger = cfg.Logger
	db, err := storage.OpenDB(storageCfg)
	if err != nil {
		return nil, fmt.Errorf("opening learning database: %w", err)
	}
	s.db = db

	if err := s.initStores(); err != nil {
		db.Close()
		return nil, err
	}
	s.initRouter()
	return s, nil
}

func (s *Service) initStores() error {
	var err error

	s.knowledgeStore, err = knowledge.NewStore(s.db.DB, knowledge.Config{Logger: s.logger})
	if err != nil {
		return fmt.Errorf("creating knowledge store: %w", err)
	}

	s.selector, err = bandit.NewSelector(s.db.DB, s.config.BanditSeed, s.logger)
	if err != nil {
		return fmt.Errorf("creating strategy selector: %w", err)
	}

	if err := s.initExemplarStore(); err != nil {
		return err
	}

	knowledgeUpdater, err := knowledge.NewUpdater(s.knowledgeStore, s.logger)
	if err != nil {
		return fmt.Errorf("creating knowledge updater: %w", err)
	}
	exemplarUpdater, err := exemplar.NewUpdater(s.exemplarStore, exemplar.NewFilter(exemplar.DefaultConfig()), s.logger)
	if err != nil {
		return fmt.Errorf("creating exemplar updater: %w", err)
	}
	banditUpdater, err := bandit.NewUpdater(s.selector, bandit.DefaultRewardMapping(), s.logger)
	if err != nil {
		return fmt.Errorf("creating bandit updater: %w", err)
	}

	s.queue, err = pipeline.NewQueue(s.db.DB,
		[]pipeline.Consumer{knowledgeUpdater, exemplarUpdater, banditUpdater},
		pipeline.Config{Logger: s.logger})
	if err != nil {
		return fmt.Errorf("creating event pipeline: %w", err)
	}

	s.captureSvc, err = capture.NewService(s.queue, s.logger)
	if err != nil {
		return fmt.Errorf("creating capture service: %w", err)
	}

	provider := s.initLLMClient()
	s.engine, err = inference.NewEngine(s.knowledgeStore, s.exemplarStore, s.selector,
		provider, s.db.DB, inference.Config{Logger: s.logger})
	if err != nil {
		return fmt.Errorf("creating inference engine: %w", err)
	}
	return nil
}

// initExemplarStore builds the Weaviate-backed exemplar store, degraded
// when the URL is missing or the index is unreachable.
func (s *Service) initExemplarStore() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	var client *weaviate.Client
	if weaviateURL != "" && strings.Contains(weaviateURL, "http") {
		parsedURL, err := url.Parse(weaviateURL)
		if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
			return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
		}
		client, err = weaviate.NewClient(weaviate.Config{
			Host:   parsedURL.Host,
			Scheme: parsedURL.Scheme,
		})
		if err != nil {
			return fmt.Errorf("creating Weaviate client: %w", err)
		}
	} else {
		s.logger.Warn("Weaviate URL not configured, exemplar store starts degraded")
		// Client pointed at localhost so the store's Ping can recover if a
		// sidecar comes up later.
		var err error
		client, err = weaviate.NewClient(weaviate.Config{Host: "localhost:8080", Scheme: "http"})
		if err != nil {
			return fmt.Errorf("creating Weaviate client: %w", err)
		}
	}

	var embedder embed.Embedder = unavailableEmbedder{}
	if openaiEmbedder, err := embed.NewOpenAIEmbedder(s.logger); err != nil {
		s.logger.Warn("embedder unavailable, exemplar store starts degraded",
			slog.Any("error", err))
	} else {
		embedder = openaiEmbedder
	}

	store, err := exemplar.NewStore(client, embedder, exemplar.DefaultConfig(), s.logger)
	if err != nil {
		return fmt.Errorf("creating exemplar store: %w", err)
	}
	s.exemplarStore = store

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.exemplarStore.Bootstrap(ctx); err != nil {
		s.logger.Warn("exemplar schema bootstrap failed", slog.Any("error", err))
	}

	s.pruner = exemplar.NewPruner(s.exemplarStore, s.config.PruneInterval, s.logger)
	return nil
}

// initLLMClient creates the generation backend. Nil means facts-only
// predictions.
func (s *Service) initLLMClient() llm.Client {
	switch s.config.LLMBackend {
	case "none":
		s.logger.Warn("LLM backend disabled, serving facts-only predictions")
		return nil
	case "ollama":
		client, err := llm.NewOllamaClient()
		if err != nil {
			s.logger.Warn("Ollama client unavailable, serving facts-only predictions",
				slog.Any("error", err))
			return nil
		}
		return client
	default:
		client, err := llm.NewOpenAIClient()
		if err != nil {
			s.logger.Warn("OpenAI client unavailable, serving facts-only predictions",
				slog.Any("error", err))
			return nil
		}
		return client
	}
}

func (s *Service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("quotewise-learning"))

	routes.SetupRoutes(s.router, routes.Deps{
		Capture:       s.captureSvc,
		Engine:        s.engine,
		Queue:         s.queue,
		Exemplar:      s.exemplarStore,
		Selector:      s.selector,
		Metrics:       observability.DefaultMetrics,
		ExposeMetrics: s.config.EnableMetrics,
	})
}

// Run starts the pipeline workers and the HTTP server, blocking until the
// server stops.
func (s *Service) Run() error {
	defer s.cleanup()

	ctx := context.Background()
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting event pipeline: %w", err)
	}
	s.pruner.Start()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("starting learning service", slog.Int("port", s.config.Port))
	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Close releases all resources. Used by tests; Run installs the same
// cleanup on exit.
func (s *Service) Close() {
	s.cleanup()
}

func (s *Service) cleanup() {
	if s.pruner != nil {
		s.pruner.Stop()
	}
	if s.queue != nil {
		s.queue.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", slog.Any("error", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// initTracer sets up the OTLP trace exporter against the configured
// collector over insecure gRPC (internal networks only).
func (s *Service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("quotewise-learning")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", slog.Any("error", err))
		}
	}
	return cleanup, nil
}

// unavailableEmbedder stands in when no embedding provider is configured;
// every call reports a provider timeout so retrieval degrades cleanly.
type unavailableEmbedder struct{}

func (unavailableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, embed.ErrProviderTimeout
}
