// Mandry - Visa Assistant Dialogue Server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/mandry/internal/agent"
	"github.com/ashureev/mandry/internal/api"
	"github.com/ashureev/mandry/internal/config"
	"github.com/ashureev/mandry/internal/dialogue"
	"github.com/ashureev/mandry/internal/health"
	"github.com/ashureev/mandry/internal/identity"
	"github.com/ashureev/mandry/internal/llm"
	"github.com/ashureev/mandry/internal/middleware"
	"github.com/ashureev/mandry/internal/policy"
	"github.com/ashureev/mandry/internal/retrieval"
	"github.com/ashureev/mandry/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

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

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	policies, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	completer, err := newCompleter(ctx, cfg.LLM, logger)
	if err != nil {
		return err
	}
	searcher, err := newSearcher(cfg.Retrieval, logger)
	if err != nil {
		return err
	}

	repo, err := store.NewSQLite(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:    cfg.ConversationLog.Enabled,
		Dir:        cfg.ConversationLog.Dir,
		GlobalPath: globalLogPath(cfg.ConversationLog),
		QueueSize:  cfg.ConversationLog.QueueSize,
		MaxSizeMB:  cfg.ConversationLog.MaxSizeMB,
		MaxBackups: cfg.ConversationLog.MaxBackups,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	// Dialogue engine.
	extractor := dialogue.NewExtractor(completer, logger)
	answerer := dialogue.NewAnswerer(completer, searcher, cfg.Retrieval.Timeout, logger)
	orchestrator := dialogue.NewOrchestrator(policies, extractor, answerer, repo, logger)

	// Services and handlers.
	svc := agent.NewService(orchestrator, repo, convLog, logger)
	defer svc.Close()

	origins := allowedOrigins(cfg)
	conns := agent.NewConnections()
	chatHandler := agent.NewHandler(svc, conns, cfg.MaxRequestBody, origins, logger)
	profileHandler := api.NewProfileHandler(repo, policies, conns)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, func(r *http.Request) string {
		if userID := identity.UserIDFromContext(r.Context()); userID != "" {
			return userID
		}
		return identity.IPFromRequest(r)
	})

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins, identity.SessionHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		profileHandler.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			chatHandler.RegisterRoutes(r)
		})
	})

	// No WriteTimeout: chat sockets stay open and a slow LLM turn can run long.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	healthSrv := health.NewServer(repo, 15*time.Second, logger)

	agent.StartTTLWorker(ctx, repo, cfg.SessionTTL, 0)
	go limiter.Run(ctx, time.Minute)
	if cfg.PolicyFile != "" {
		go func() {
			if err := policy.Watch(ctx, cfg.PolicyFile, policies, logger); err != nil {
				slog.Warn("Policy hot reload disabled", "path", cfg.PolicyFile, "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return healthSrv.Serve(gctx, lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func loadPolicy(path string) (*policy.Store, error) {
	if path == "" {
		slog.Info("Using built-in policy")
		return policy.NewStore(policy.Default()), nil
	}
	p, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	slog.Info("Policy loaded", "path", path)
	return policy.NewStore(p), nil
}

func newCompleter(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (llm.Completer, error) {
	switch cfg.Provider {
	case "gemini":
		c, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize gemini: %w", err)
		}
		slog.Info("LLM provider ready", "provider", "gemini", "model", cfg.Model)
		return c, nil
	default:
		slog.Info("LLM provider ready", "provider", "openai", "base_url", cfg.BaseURL, "model", cfg.Model)
		return llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Timeout:    cfg.Timeout,
			MaxRetries: 2,
		}, logger), nil
	}
}

func newSearcher(cfg config.RetrievalConfig, logger *slog.Logger) (retrieval.Searcher, error) {
	if cfg.Provider == "none" || cfg.APIKey == "" {
		slog.Info("Web retrieval disabled, answers use policy fallback sources")
		return retrieval.Disabled{}, nil
	}
	c, err := retrieval.NewValyu(retrieval.ValyuConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		RateLimit: cfg.RateLimit,
		Timeout:   cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize retrieval: %w", err)
	}
	return c, nil
}

func globalLogPath(cfg config.ConversationLogConfig) string {
	if !cfg.GlobalEnabled {
		return ""
	}
	return cfg.GlobalPath
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(cfg.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	return origins
}
