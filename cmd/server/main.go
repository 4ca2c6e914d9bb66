package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxline/callflow/internal/adapter/ai/llm"
	"github.com/voxline/callflow/internal/adapter/ai/tts"
	"github.com/voxline/callflow/internal/adapter/http/fiber/handlers"
	"github.com/voxline/callflow/internal/adapter/http/fiber/middleware"
	"github.com/voxline/callflow/internal/adapter/queue"
	"github.com/voxline/callflow/internal/adapter/storage/postgres"
	memorystore "github.com/voxline/callflow/internal/adapter/store/memory"
	redisstore "github.com/voxline/callflow/internal/adapter/store/redis"
	"github.com/voxline/callflow/internal/adapter/stt"
	"github.com/voxline/callflow/internal/adapter/telephony"
	"github.com/voxline/callflow/internal/adapter/vault"
	wsAdapter "github.com/voxline/callflow/internal/adapter/websocket"
	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/infrastructure/circuitbreaker"
	"github.com/voxline/callflow/internal/observability/telemetry"
	"github.com/voxline/callflow/internal/ports"
	"github.com/voxline/callflow/internal/service/audio"
	"github.com/voxline/callflow/internal/service/billing"
	"github.com/voxline/callflow/internal/service/flow"
	"github.com/voxline/callflow/internal/service/interruption"
	"github.com/voxline/callflow/internal/service/notify"
	"github.com/voxline/callflow/internal/service/session"
	"github.com/voxline/callflow/internal/service/silence"
	"github.com/voxline/callflow/pkg/config"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// 2. Logger
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	serviceName := cfg.App.Name
	serviceVersion := cfg.App.Version

	logger.Info("Starting CallFlow",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion),
		zap.String("environment", cfg.App.Environment),
	)

	// 3. Tracing
	if cfg.OpenTelemetry.Enabled {
		tracerName := cfg.OpenTelemetry.ServiceName
		if tracerName == "" {
			tracerName = serviceName
		}
		tracerProvider, err := telemetry.InitTracer(tracerName, serviceVersion, cfg.OpenTelemetry.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// 4. Postgres (agent and flow definitions)
	db, err := postgres.NewConnection(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("Failed to get underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := postgres.RunMigrations(db); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// 5. Shared session store. Without Redis, workers cannot rebuild each
	// other's sessions; the in-process store is for single-worker dev runs.
	var store ports.SessionStore
	if cfg.Redis.URL == "" {
		logger.Warn("No Redis URL configured, using in-process session store")
		store = memorystore.New(time.Minute, logger)
	} else {
		store, err = redisstore.New(cfg.Redis, cfg.Session.FlagTTL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	}
	defer store.Close()

	// 6. Event bus
	var bus queue.MessageQueue
	switch cfg.Queue.Backend {
	case "rabbitmq":
		bus, err = queue.NewRabbitMQQueue(cfg.Queue.URL, cfg.Queue.ReconnectWait, logger)
	default:
		bus, err = queue.NewNATSQueue(cfg.Queue.URL, cfg.Queue.MaxReconnects, cfg.Queue.ReconnectWait, logger)
	}
	if err != nil {
		logger.Fatal("Failed to connect to message queue", zap.Error(err))
	}
	defer bus.Close()

	// 7. Repositories
	agentRepo := postgres.NewAgentRepository(db, logger)
	flowRepo := postgres.NewFlowRepository(db, logger)

	// 8. Secrets: Vault overrides env-provided keys when enabled
	telephonyKey := cfg.Telephony.APIKey
	llmKey := cfg.LLM.APIKey
	synthesisKey := cfg.Synthesis.APIKey
	if cfg.Vault.Enabled {
		secrets, err := vault.NewSecretManager(cfg.Vault.Address, cfg.Vault.Token)
		if err != nil {
			logger.Fatal("Failed to connect to Vault", zap.Error(err))
		}
		telephonyKey, llmKey, synthesisKey = resolveSecrets(secrets, telephonyKey, llmKey, synthesisKey, logger)
	}

	// 9. Provider adapters
	telephonyClient := telephony.NewClient(cfg.Telephony.APIBaseURL, telephonyKey, cfg.Telephony.RequestTimeout, logger)
	llmClient := llm.NewClient(cfg.LLM.BaseURL, llmKey, cfg.LLM.Model, logger)
	ttsDialer := tts.NewDialer(cfg.Synthesis.StreamURL, synthesisKey,
		cfg.Synthesis.Voice, cfg.Synthesis.Language, cfg.Synthesis.RequestTimeout, logger)

	webhookVerifier, err := telephony.NewWebhookVerifier(cfg.Telephony.WebhookPublicKey)
	if err != nil {
		logger.Fatal("Failed to build webhook verifier", zap.Error(err))
	}

	// 10. Conversation services
	coordinator := audio.NewCoordinator(telephonyClient, ttsDialer, store,
		cfg.Conversation.MaxFragmentRunes, cfg.Synthesis.WordsPerMinute, logger)
	evaluator := flow.NewEvaluator(llmClient, cfg.LLM.Deadline, cfg.LLM.MaxHistoryTurns,
		cfg.Conversation.AffirmativePrefixes, cfg.Conversation.NegativePrefixes, logger)
	interruptCtrl := interruption.NewController(cfg.Interruption.MinWords, cfg.Interruption.GracePeriod,
		cfg.Interruption.TokenOverlapRatio, cfg.Interruption.TrigramOverlapRatio,
		cfg.Interruption.PreStartBuffer, logger)
	monitor := silence.NewMonitor(cfg.Silence, silence.SystemClock(), logger)

	hub := wsAdapter.NewHub(logger)
	go hub.Run()

	orchestrator := session.NewOrchestrator(session.Deps{
		Store:       store,
		Agents:      agentRepo,
		Flows:       flowRepo,
		LLM:         llmClient,
		Telephony:   telephonyClient,
		Audio:       coordinator,
		Evaluator:   evaluator,
		Interrupt:   interruptCtrl,
		Monitor:     monitor,
		Bus:         bus,
		Broadcaster: hub,
		FuncHTTP:    circuitbreaker.NewHTTPClientWithSettings(circuitbreaker.DefaultHTTPClientSettings("flow-functions"), logger),
	}, cfg.Conversation, cfg.LLM, cfg.Session, logger)

	if cfg.Transcription.StreamURL != "" {
		sttClient := stt.NewClient(cfg.Transcription.StreamURL, cfg.Transcription.APIKey,
			cfg.Transcription.Language, cfg.Transcription.ReconnectWait,
			cfg.Transcription.MaxReconnects, orchestrator, logger)
		orchestrator.SetTranscriptListener(sttClient)
	}

	// 11. Post-call workers
	startBackgroundWorkers(bus, agentRepo, cfg, logger)

	// 12. HTTP server
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		IdleTimeout:           cfg.HTTP.IdleTimeout,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	if cfg.CORS.Enabled {
		app.Use(middleware.NewCORS(cfg.CORS))
	}

	app.Get("/health/live", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/health/ready", func(c *fiber.Ctx) error {
		if err := sqlDB.Ping(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("Database not ready")
		}
		if err := store.Ping(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("Session store not ready")
		}
		return c.SendString("Ready")
	})

	if cfg.Prometheus.Enabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get(cfg.Prometheus.Path, func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}

	// Webhooks are public: authenticated by signature, never by JWT, and
	// never behind the breaker.
	webhookHandler := handlers.NewWebhookHandler(orchestrator, webhookVerifier, logger)
	app.Post("/webhooks/telephony", webhookHandler.HandleCallEvent)
	app.Post("/webhooks/transcript", webhookHandler.HandleTranscript)

	// Management API
	v1 := app.Group("/api/v1", middleware.AuthRequired(cfg.JWT))
	if cfg.CircuitBreaker.Enabled {
		v1.Use(middleware.CircuitBreaker(cfg.CircuitBreaker, logger))
	}

	callHandler := handlers.NewCallHandler(orchestrator, logger)
	v1.Get("/calls", callHandler.List)
	v1.Delete("/calls/:id", callHandler.End)

	agentHandler := handlers.NewAgentHandler(agentRepo, logger)
	v1.Get("/agents", agentHandler.List)
	v1.Get("/agents/:id", agentHandler.Get)
	v1.Post("/agents", agentHandler.Save)
	v1.Delete("/agents/:id", agentHandler.Delete)

	// Dashboard websocket
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/dashboard", websocket.New(func(c *websocket.Conn) {
		hub.AddClient(c)
	}))

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, callID := range orchestrator.ActiveCalls() {
		if err := orchestrator.EndCall(ctx, callID, session.EndReasonForced); err != nil {
			logger.Error("Failed to end call during shutdown",
				zap.String("call_control_id", callID),
				zap.Error(err),
			)
		}
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited gracefully")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.App.Environment == "development" || cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Logging.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func resolveSecrets(secrets ports.SecretSource, telephonyKey, llmKey, synthesisKey string, logger *zap.Logger) (string, string, string) {
	if key, err := secrets.TelephonyAPIKey(); err == nil && key != "" {
		telephonyKey = key
	} else if err != nil {
		logger.Warn("Vault telephony key unavailable, using env", zap.Error(err))
	}
	if key, err := secrets.LLMAPIKey(); err == nil && key != "" {
		llmKey = key
	} else if err != nil {
		logger.Warn("Vault LLM key unavailable, using env", zap.Error(err))
	}
	if key, err := secrets.SynthesisAPIKey(); err == nil && key != "" {
		synthesisKey = key
	} else if err != nil {
		logger.Warn("Vault synthesis key unavailable, using env", zap.Error(err))
	}
	return telephonyKey, llmKey, synthesisKey
}

// startBackgroundWorkers subscribes the post-call fan-out: summary email and
// usage billing for every ended or transferred call.
func startBackgroundWorkers(bus queue.MessageQueue, agents ports.AgentRepository, cfg *config.Config, logger *zap.Logger) {
	var notifier ports.NotificationService
	if cfg.Notification.Email.Enabled {
		notifier = notify.NewEmailService(cfg.Notification.Email.APIKey,
			cfg.Notification.Email.From, cfg.Notification.Email.FromName, logger)
	}
	var biller ports.BillingService
	if cfg.Billing.Enabled {
		biller = billing.NewStripeService(cfg.Billing.StripeKey, logger)
	}
	if notifier == nil && biller == nil {
		return
	}

	handler := func(data []byte) error {
		var summary domain.CallSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			return fmt.Errorf("decode call summary: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agent, err := agents.FindByID(ctx, summary.AgentID)
		if err != nil || agent == nil {
			return fmt.Errorf("load agent %s for post-call work: %w", summary.AgentID, err)
		}

		if notifier != nil {
			if err := notifier.SendCallSummary(ctx, agent, summary); err != nil {
				logger.Error("Summary email failed", zap.Error(err))
			}
		}
		if biller != nil {
			if err := biller.RecordCallUsage(ctx, agent, summary); err != nil {
				logger.Error("Usage billing failed", zap.Error(err))
			}
		}
		return nil
	}

	for _, subject := range []string{queue.SubjectCallEnded, queue.SubjectCallTransferred} {
		if err := bus.Subscribe(subject, handler); err != nil {
			logger.Error("Failed to subscribe post-call worker",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}
	logger.Info("Post-call workers started")
}
