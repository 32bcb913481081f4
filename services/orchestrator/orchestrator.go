// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the task assistant server.
//
// # Description
//
// New builds every collaborator from Config: the task store (Postgres or
// in-memory), the task service and tool registry, the bridge in direct or
// remote mode, the conversation store, the chat service, metrics, tracing
// and the Gin router. In direct mode the tools are also served over MCP at
// /mcp on the same router.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("")
//	svc, err := orchestrator.New(cfg, nil)
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTasks/pkg/extensions"
	"github.com/AleutianAI/AleutianTasks/services/agent"
	"github.com/AleutianAI/AleutianTasks/services/bridge"
	"github.com/AleutianAI/AleutianTasks/services/chat"
	"github.com/AleutianAI/AleutianTasks/services/conversation"
	"github.com/AleutianAI/AleutianTasks/services/llm"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianTasks/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/AleutianAI/AleutianTasks/services/tasks/mcpserver"
	"github.com/AleutianAI/AleutianTasks/services/tasks/memstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/pgstore"
	"github.com/AleutianAI/AleutianTasks/services/tasks/tools"
	"github.com/AleutianAI/AleutianTasks/services/toolconn"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies this process in traces.
const ServiceName = "taskbridge"

// Version is advertised to MCP peers. Set at build time with -ldflags.
var Version = "dev"

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is a runnable task assistant server.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully
	// and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Safe to call after Run.
	Close() error
}

// Option overrides a collaborator New would otherwise build.
type Option func(*service)

// WithLLMClient replaces the OpenAI client.
func WithLLMClient(client llm.Client) Option {
	return func(s *service) {
		s.llmClient = client
	}
}

// WithTaskStore replaces the store chosen from DatabaseURL.
func WithTaskStore(store tasks.Store) Option {
	return func(s *service) {
		s.taskStore = store
	}
}

// WithToolDialer replaces the remote tool server dialer.
func WithToolDialer(d toolconn.Dialer) Option {
	return func(s *service) {
		s.dialer = d
	}
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	opts   extensions.ServiceOptions
	logger *slog.Logger
	router *gin.Engine

	registry *prometheus.Registry
	metrics  *observability.Metrics

	taskStore      tasks.Store
	closeTaskStore func()
	tasks          *tasks.Service
	tools          *tools.Registry
	mcp            *mcpserver.Server

	dialer  toolconn.Dialer
	manager *toolconn.Manager

	llmClient     llm.Client
	bridge        *bridge.Bridge
	conversations conversation.Store
	chat          *chat.Service

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New builds the server.
//
// # Description
//
// Collaborators are built in dependency order. A failure part way
// releases whatever was already opened.
//
// # Inputs
//
//   - cfg: Configuration. Zero fields get defaults.
//   - opts: Extension points. Nil uses DefaultOptions, with a static token
//     provider when cfg.AuthTokens is set.
//   - options: Collaborator overrides, mainly for tests.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or a collaborator that failed to start.
func New(cfg Config, opts *extensions.ServiceOptions, options ...Option) (Service, error) {
	s := &service{
		config:   applyConfigDefaults(cfg),
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range options {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	if err := s.initOptions(opts); err != nil {
		return nil, err
	}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.initMetrics()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"task store", s.initTaskStore},
		{"tools", s.initTools},
		{"LLM client", s.initLLMClient},
		{"bridge", s.initBridge},
		{"conversation store", s.initConversations},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	s.chat = chat.NewService(s.conversations, s.bridge, chat.Config{
		HistoryLimit: s.config.HistoryLimit,
		Logger:       s.logger.With("component", "chat"),
	})
	s.initRouter()

	s.logger.Info("Task assistant initialized",
		"mode", s.bridge.Mode(),
		"tool_server", s.config.MCPServerURL(),
		"model", s.llmClient.Model(),
		"environment", s.config.Environment)
	return s, nil
}

func (s *service) initOptions(opts *extensions.ServiceOptions) error {
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
		if len(s.config.AuthTokens) > 0 {
			provider, err := extensions.NewStaticTokenAuthProvider(s.config.AuthTokens)
			if err != nil {
				return fmt.Errorf("invalid auth tokens: %w", err)
			}
			s.opts = s.opts.WithAuth(provider)
		}
	}
	if s.opts.AuthProvider == nil {
		s.opts.AuthProvider = &extensions.NopAuthProvider{}
	}
	return nil
}

// initTracer exports spans to the OTLP collector over insecure gRPC.
func (s *service) initTracer() (func(context.Context), error) {
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
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
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

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := conn.Close(); err != nil {
			slog.Debug("OTLP connection close", "error", err)
		}
	}, nil
}

func (s *service) initMetrics() {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)
}

func (s *service) initTaskStore() error {
	if s.taskStore != nil {
		return nil
	}
	if s.config.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, tasks are kept in memory")
		s.taskStore = memstore.New()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pgCfg := pgstore.DefaultConfig(s.config.DatabaseURL)
	pgCfg.PoolSize = s.config.DBPoolSize
	pgCfg.MaxOverflow = s.config.DBPoolMaxOverflow
	pgCfg.Logger = s.logger
	store, err := pgstore.Open(ctx, pgCfg)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return err
	}
	s.taskStore = store
	s.closeTaskStore = store.Close
	return nil
}

func (s *service) initTools() error {
	s.tasks = tasks.NewService(s.taskStore, tasks.WithLogger(s.logger.With("component", "tasks")))
	s.tools = tools.NewTaskRegistry(s.tasks)
	if s.config.MountMCPServer {
		s.mcp = mcpserver.New(s.tools, mcpserver.Config{
			Version:  Version,
			Logger:   s.logger,
			Observer: s.metrics.ObserveServedCall,
		})
	}
	return nil
}

func (s *service) initLLMClient() error {
	if s.llmClient != nil {
		return nil
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  s.config.OpenAIAPIKey,
		Model:   s.config.OpenAIModel,
		BaseURL: s.config.OpenAIBaseURL,
		Timeout: s.config.OpenAITimeout,
	})
	if err != nil {
		return err
	}
	s.llmClient = client
	return nil
}

func (s *service) initBridge() error {
	var binder bridge.Binder
	switch bridge.ModeFor(s.config.MountMCPServer) {
	case bridge.ModeDirect:
		binder = bridge.NewDirectBinder(s.tools, s.llmClient.Model())
	default:
		connCfg := toolconn.DefaultConfig(s.config.MCPServerURL())
		connCfg.Version = Version
		connCfg.Timeout = s.config.OpenAITimeout
		connCfg.Logger = s.logger
		var connOpts []toolconn.ManagerOption
		if s.dialer != nil {
			connOpts = append(connOpts, toolconn.WithDialer(s.dialer))
		}
		s.manager = toolconn.NewManager(connCfg, connOpts...)
		s.metrics.TrackConnections(s.manager.Constructions)
		binder = bridge.NewRemoteBinder(s.manager, s.llmClient.Model())
	}

	runner := agent.NewRunner(s.llmClient, agent.Config{MaxTurns: s.config.MaxTurns},
		s.logger.With("component", "agent"))
	s.bridge = bridge.New(binder, runner,
		bridge.WithLogger(s.logger.With("component", "bridge")),
		bridge.WithObserver(s.metrics))
	return nil
}

func (s *service) initConversations() error {
	if s.config.ConversationDir == "" {
		s.conversations = conversation.NewMemoryStore()
		return nil
	}
	cfg := conversation.DefaultBadgerConfig(s.config.ConversationDir)
	cfg.Logger = s.logger
	store, err := conversation.OpenBadgerStore(cfg)
	if err != nil {
		return err
	}
	s.conversations = store
	return nil
}

func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(ServiceName))

	routes.SetupRoutes(s.router, routes.Deps{
		Chat:        s.chat,
		Database:    s.tasks,
		Mode:        string(s.bridge.Mode()),
		Auth:        s.opts.AuthProvider,
		RateLimiter: middleware.NewRateLimiter(s.config.RateLimitPerHour),
		Streams:     s.metrics,
		Metrics:     promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
	})

	if s.mcp != nil {
		s.mcp.Mount(s.router, mcpserver.DefaultPath)
	}
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting task assistant server", "addr", srv.Addr, "mode", s.bridge.Mode())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down task assistant server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.manager != nil {
			if err := s.manager.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tool connection: %w", err))
			}
		}
		if s.conversations != nil {
			if err := s.conversations.Close(); err != nil {
				errs = append(errs, fmt.Errorf("conversation store: %w", err))
			}
		}
		if s.closeTaskStore != nil {
			s.closeTaskStore()
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var _ Service = (*service)(nil)
