// toolchat - Tool-Augmented Chat Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/toolchat/internal/api"
	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/cleanup"
	"github.com/ashureev/toolchat/internal/config"
	"github.com/ashureev/toolchat/internal/detect"
	"github.com/ashureev/toolchat/internal/flow"
	"github.com/ashureev/toolchat/internal/guardrails"
	"github.com/ashureev/toolchat/internal/identity"
	"github.com/ashureev/toolchat/internal/llm"
	"github.com/ashureev/toolchat/internal/metrics"
	"github.com/ashureev/toolchat/internal/middleware"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/tools"
	"github.com/ashureev/toolchat/internal/transcript"
	"github.com/ashureev/toolchat/internal/ws"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var healthChecks []api.Check

	var ledger guardrails.Ledger = guardrails.NewMemoryLedger(cfg.Guardrails.LedgerCapacity)
	if cfg.RedisAddr != "" {
		redisLedger, err := guardrails.NewRedisLedger(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-memory violation ledger", "error", err)
		} else {
			defer func() {
				if closeErr := redisLedger.Close(); closeErr != nil {
					slog.Debug("Failed to close Redis ledger", "error", closeErr)
				}
			}()
			ledger = redisLedger
			healthChecks = append(healthChecks, api.Check{Name: "redis", Probe: redisLedger.Ping})
			slog.Info("Violation ledger backed by Redis", "addr", cfg.RedisAddr)
		}
	}

	var backend tools.TrackingBackend = tools.NewStaticBackend()
	if cfg.TrackingGRPCAddr != "" {
		grpcBackend, err := tools.NewGRPCBackend(tools.DefaultGRPCBackendConfig(cfg.TrackingGRPCAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to tracking service, using static backend", "error", err)
		} else {
			defer grpcBackend.Close()
			backend = grpcBackend
			healthChecks = append(healthChecks, api.Check{
				Name: "tracking",
				Probe: func(context.Context) error {
					if !grpcBackend.Ready() {
						return errors.New("tracking service not ready")
					}
					return nil
				},
			})
		}
	}

	registry, err := tools.NewRegistry(tools.NewDeliveryTracker(backend, cfg.Tools))
	if err != nil {
		slog.Error("Failed to initialize tool registry", "error", err)
		os.Exit(1)
	}

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM provider initialized", "provider", generator.Name(), "model", cfg.LLM.Model)

	conversationLogger, err := transcript.New(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Debug("Failed to close conversation logger", "error", closeErr)
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	orch, err := chat.New(chat.Deps{
		Store:        repo,
		Guardrails:   guardrails.New(cfg.Guardrails, ledger),
		Flow:         flow.New(cfg.Guardrails.MaxConversationLength),
		Detector:     detect.New(cfg.Tools),
		Tools:        registry,
		Generator:    generator,
		Params:       llm.ParamsFromConfig(cfg.LLM),
		ToolsEnabled: cfg.Tools.Enabled,
	},
		chat.WithTranscript(conversationLogger),
		chat.WithObserver(m),
		chat.WithTurnTimeout(cfg.TurnTimeout),
	)
	if err != nil {
		slog.Error("Failed to initialize chat orchestrator", "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	defer limiter.Close()

	// Initialize handlers.
	conns := ws.NewConnManager()
	baseHandler := api.NewHandler(orch)
	chatHandler := api.NewChatHandler(baseHandler, limiter, m)
	healthHandler := api.NewHealthHandler(baseHandler, version, healthChecks...)
	wsHandler := ws.NewHandler(orch, conns, limiter, m, cfg.FrontendURL, cfg.IsDevelopment())

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))
	r.Use(otelhttp.NewMiddleware("toolchat"))
	r.Use(middleware.Metrics(m))
	r.Use(identity.Middleware)

	healthHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TurnTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	worker, err := cleanup.New(orch, cleanup.Options{
		Schedule:       cfg.CleanupSchedule,
		SessionTTL:     cfg.SessionTTL,
		ErrorRetention: cfg.ErrorLogRetention,
	}, m)
	if err != nil {
		slog.Error("Failed to initialize cleanup worker", "error", err)
		os.Exit(1)
	}
	worker.Start(ctx)
	defer worker.Stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	conns.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
