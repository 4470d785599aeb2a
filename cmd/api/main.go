package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/api/handlers"
	"github.com/citadel-gov/backend/internal/cache/redis"
	"github.com/citadel-gov/backend/internal/ledger"
	"github.com/citadel-gov/backend/internal/metrics"
	"github.com/citadel-gov/backend/internal/middleware/ratelimit"
	"github.com/citadel-gov/backend/internal/middleware/security"
	"github.com/citadel-gov/backend/internal/queue"
	"github.com/citadel-gov/backend/internal/storage/sqlite"
	"github.com/citadel-gov/backend/pkg/config"
	appLogger "github.com/citadel-gov/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting AI Decision Governance Ledger")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cache ledger.Cache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		cache = redisClient
	}

	gate, err := ledger.NewGate(cfg.Governance.LowThreshold, cfg.Governance.HighThreshold)
	if err != nil {
		appLogger.Fatal("Invalid confidence thresholds", zap.Error(err))
	}

	reviewFeed := handlers.NewReviewFeed()

	ledgerSvc := ledger.NewService(sqliteClient, cache, ledger.Config{
		Gate:                  gate,
		ActiveLearningEnabled: cfg.Governance.ActiveLearningEnabled,
		MaxLineageDepth:       cfg.Governance.MaxLineageDepth,
		OnFlagged:             reviewFeed.NotifyFlagged,
	}, appLogger.Named("ledger"))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Watcher.Enabled && cfg.Watcher.WebhookURL != "" {
		watcher := queue.NewWatcher(sqliteClient, queue.Config{
			WebhookURL: cfg.Watcher.WebhookURL,
			Interval:   time.Duration(cfg.Watcher.IntervalSec) * time.Second,
			MaxAge:     time.Duration(cfg.Watcher.MaxAgeSec) * time.Second,
		}, appLogger.Named("watcher"))
		go watcher.Run(ctx)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Reviewer-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	decisionHandler := handlers.NewDecisionHandler(ledgerSvc)
	reviewHandler := handlers.NewReviewHandler(ledgerSvc)

	api := app.Group("/api/v1", limiter.Middleware())

	api.Post("/decisions", decisionHandler.RecordDecision)
	api.Get("/decisions", decisionHandler.ListDecisions)
	api.Get("/decisions/:id", decisionHandler.GetDecision)
	api.Get("/decisions/:id/lineage", decisionHandler.GetLineage)
	api.Get("/decisions/:id/evidence", decisionHandler.GetEvidence)
	api.Post("/decisions/:id/override", reviewHandler.OverrideDecision)
	api.Get("/decisions/:id/samples", reviewHandler.ListTrainingSamples)

	api.Get("/queue", reviewHandler.ListQueue)
	api.Post("/queue/:id/dismiss", reviewHandler.DismissQueueEntry)

	api.Get("/stats", reviewHandler.GetStats)
	api.Get("/audit", reviewHandler.GetAuditEvents)

	api.Get("/review/stream", websocket.New(reviewFeed.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stop()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
