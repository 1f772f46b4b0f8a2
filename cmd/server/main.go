// Empathy study chatbot server.
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

	"github.com/nkoval/empathy-study/internal/api"
	"github.com/nkoval/empathy-study/internal/assign"
	"github.com/nkoval/empathy-study/internal/bot"
	"github.com/nkoval/empathy-study/internal/config"
	"github.com/nkoval/empathy-study/internal/crisis"
	"github.com/nkoval/empathy-study/internal/export"
	"github.com/nkoval/empathy-study/internal/identity"
	"github.com/nkoval/empathy-study/internal/lifecycle"
	"github.com/nkoval/empathy-study/internal/middleware"
	"github.com/nkoval/empathy-study/internal/store"
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

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"model", cfg.Study.API.Model,
		"strategy", cfg.Study.Assignment.Strategy,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	strategy, err := assign.ParseStrategy(cfg.Study.Assignment.Strategy)
	if err != nil {
		slog.Error("Invalid assignment strategy", "error", err)
		os.Exit(1)
	}

	completer, err := bot.NewOpenAICompleter(cfg.OpenAIKey)
	if err != nil {
		slog.Error("Failed to initialize completion client", "error", err)
		os.Exit(1)
	}

	detector := crisis.NewDetector(cfg.Study.Safety.CrisisKeywords, cfg.SafetyResponseText())
	balancer := assign.NewBalancer()
	tracker := lifecycle.NewTracker(cfg.Study.Conversation.MaxMessages)

	mgr := bot.NewManager(bot.Config{
		Model:         cfg.Study.API.Model,
		Temperature:   *cfg.Study.API.Temperature,
		MaxTokens:     cfg.Study.API.MaxTokens,
		MaxMessages:   cfg.Study.Conversation.MaxMessages,
		HistoryWindow: cfg.Study.Conversation.HistoryWindow,
		Strategy:      strategy,
		Prompts:       cfg.PromptTexts(),
	}, repo, completer, detector, balancer, tracker)

	exporter := export.NewExporter(repo, cfg.ExportDir)
	handler := api.NewHandler(mgr, repo, exporter)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.Route("/api/study", func(r chi.Router) {
		r.Post("/sessions", handler.CreateSession)
		r.Get("/sessions/{sessionID}", handler.SessionStatus)
		r.Post("/sessions/{sessionID}/messages", handler.SendMessage)
		r.Post("/sessions/{sessionID}/end", handler.EndSession)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/statistics", handler.Statistics)
		r.Get("/participants", handler.Participants)
		r.Get("/participants/{participantID}/messages", handler.Conversation)
		r.Get("/crisis-flags", handler.CrisisFlags)
		r.Post("/crisis-flags/{flagID}/review", handler.ReviewCrisisFlag)
		r.Get("/export/{exportType}", handler.Export)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // completion calls can be slow
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Idle-session sweeper. Evicted sessions rehydrate from the database on
	// their next request, so eviction never loses study data.
	sessionTimeout := time.Duration(cfg.SessionTimeoutMins) * time.Minute
	go func() {
		ticker := time.NewTicker(sessionTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.EvictIdle(sessionTimeout)
			}
		}
	}()
	slog.Info("Session sweeper started", "timeout", sessionTimeout)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL != "" {
		return []string{cfg.FrontendURL}
	}
	return []string{"*"}
}
