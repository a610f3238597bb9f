// MEDDPICC deal review server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/agent"
	"github.com/ashureev/meddpicc-voice/internal/api"
	"github.com/ashureev/meddpicc-voice/internal/audit"
	"github.com/ashureev/meddpicc-voice/internal/bridge"
	"github.com/ashureev/meddpicc-voice/internal/config"
	"github.com/ashureev/meddpicc-voice/internal/health"
	"github.com/ashureev/meddpicc-voice/internal/identity"
	"github.com/ashureev/meddpicc-voice/internal/llm"
	"github.com/ashureev/meddpicc-voice/internal/middleware"
	"github.com/ashureev/meddpicc-voice/internal/prompt"
	"github.com/ashureev/meddpicc-voice/internal/realtime"
	"github.com/ashureev/meddpicc-voice/internal/scoring"
	"github.com/ashureev/meddpicc-voice/internal/store"
	"github.com/ashureev/meddpicc-voice/internal/transcript"
	"github.com/ashureev/meddpicc-voice/internal/turn"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg)
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

	if err := seedLabels(ctx, repo, cfg.LabelFile); err != nil {
		slog.Error("Failed to seed score labels", "error", err)
		os.Exit(1)
	}

	var publisher audit.Publisher = audit.Nop{}
	if cfg.Kafka.Enabled() {
		publisher = audit.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		slog.Info("Audit publishing enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			slog.Error("Failed to close audit publisher", "error", closeErr)
		}
	}()

	labels := scoring.NewLabelCache(repo, cfg.LabelCacheTTL, logger)
	labels.StartEvictor(ctx, cfg.LabelCacheTTL)
	scorer := scoring.NewService(repo, labels, publisher, logger)

	pb := prompt.NewBuilder("")
	if cfg.PromptFile != "" {
		pb, err = prompt.LoadBuilder(cfg.PromptFile)
		if err != nil {
			slog.Error("Failed to load prompt file", "error", err, "path", cfg.PromptFile)
			os.Exit(1)
		}
	}

	conversationLogger, err := transcript.New(transcript.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Text mode and speech endpoints.
	llmCfg := llm.DefaultConfig()
	llmCfg.APIKey = cfg.OpenAI.APIKey
	llmCfg.BaseURL = cfg.OpenAI.BaseURL
	llmCfg.ChatModel = cfg.OpenAI.ChatModel
	llmCfg.TranscribeModel = cfg.OpenAI.TranscribeModel
	llmCfg.SpeechModel = cfg.OpenAI.SpeechModel
	llmCfg.Voice = cfg.OpenAI.Voice
	llmCfg.SpeechTimeout = cfg.OpenAI.SpeechTimeout
	model := llm.New(llmCfg, logger)

	textAgent := agent.NewService(agent.Config{
		MaxToolRounds: cfg.Session.MaxToolRounds,
		QueueLimit:    cfg.Session.QueueLimit,
		SessionTTL:    cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	}, model, repo, scorer, pb, conversationLogger, logger)
	textAgent.Sessions().StartSweeper(ctx, cfg.Session.SweepInterval, cfg.Session.TTL)

	// Telephony bridge.
	calls := bridge.NewRegistry()
	var telephony *bridge.Handler
	if cfg.TelephonyEnabled() {
		dial := func(ctx context.Context) (bridge.AILeg, error) {
			client, err := realtime.Dial(ctx, cfg.Realtime.URL, cfg.Realtime.APIKey, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
		telephony = bridge.NewHandler(bridge.HandlerConfig{
			Call: bridge.CallConfig{
				Turn:        turn.Config{Debounce: cfg.Turn.Debounce, Settle: cfg.Turn.Settle},
				Voice:       cfg.Realtime.Voice,
				AudioFormat: cfg.Realtime.AudioFormat,
			},
			QueueLimit: cfg.Session.QueueLimit,
		}, repo, scorer, dial, pb, calls, conversationLogger, logger)
		slog.Info("Telephony bridge enabled")
	} else {
		slog.Info("Telephony bridge disabled (REALTIME_URL not set)")
	}

	// Initialize handlers.
	apiHandler := api.NewHandler(textAgent, model, repo, calls)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware)

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	if telephony != nil {
		r.Get("/ws/telephony", telephony.ServeHTTP)
	}

	// Note: telephony streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start health server.
	healthSrv := health.NewServer(map[string]health.Check{
		"database": repo.Ping,
	}, 10*time.Second, logger)
	healthSrv.Start(ctx)
	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		slog.Error("Failed to listen for health checks", "error", err, "addr", cfg.HealthAddr)
		os.Exit(1)
	}
	go func() {
		if err := healthSrv.Serve(lis); err != nil {
			slog.Error("Health server failed", "error", err)
		}
	}()

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

	slog.Info("Shutting down gracefully...", "active_calls", calls.Count())

	healthSrv.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Calls finish their in-flight saves before the store closes.
	if err := calls.CloseAll(shutdownCtx); err != nil {
		slog.Error("Calls did not finish before shutdown", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}

// seedLabels loads the default label set, replacing it with the file's rows
// when one is configured.
func seedLabels(ctx context.Context, repo store.Repository, path string) error {
	rows := scoring.DefaultLabels()
	if path != "" {
		loaded, err := scoring.LoadLabelFile(path)
		if err != nil {
			return err
		}
		rows = loaded
	}
	if err := repo.UpsertScoreLabels(ctx, rows); err != nil {
		return err
	}
	slog.Info("Score labels seeded", "rows", len(rows), "file", path)
	return nil
}
