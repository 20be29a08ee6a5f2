package main

// @title Rewards Ledger API
// @version 1.0
// @description Multi-level referral commissions with locked and redeemable points.

// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey ServiceToken
// @in header
// @name X-Service-Token
// @description Shared secret of the booking and account services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanlanch/rewardsledger/config"
	"github.com/jordanlanch/rewardsledger/pkg/api/handlers"
	custommw "github.com/jordanlanch/rewardsledger/pkg/api/middleware"
	"github.com/jordanlanch/rewardsledger/pkg/cache"
	"github.com/jordanlanch/rewardsledger/pkg/commission"
	"github.com/jordanlanch/rewardsledger/pkg/database"
	"github.com/jordanlanch/rewardsledger/pkg/events"
	"github.com/jordanlanch/rewardsledger/pkg/jobs"
	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/lockmanager"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/metrics"
	custommiddleware "github.com/jordanlanch/rewardsledger/pkg/middleware"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/network"
	"github.com/jordanlanch/rewardsledger/pkg/referral"
	"github.com/jordanlanch/rewardsledger/pkg/rewards"
	"github.com/jordanlanch/rewardsledger/pkg/secrets"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	// Credentials may live in a secrets backend instead of the environment
	if cfg.SecretsBackend != secrets.BackendEnv {
		secretsManager, err := secrets.NewManager(secrets.Config{
			Backend:   cfg.SecretsBackend,
			AWSRegion: cfg.AWSRegion,
			Prefix:    cfg.SecretsPrefix,
		})
		if err != nil {
			log.Fatalf("❌ Failed to initialize secrets manager: %v", err)
		}
		secretsCtx, cancelSecrets := context.WithTimeout(context.Background(), 15*time.Second)
		err = secrets.Overlay(secretsCtx, secretsManager, map[string]*string{
			"JWT_SECRET":    &cfg.JWTSecret,
			"SERVICE_TOKEN": &cfg.ServiceToken,
			"DATABASE_URL":  &cfg.DatabaseURL,
			"REDIS_URL":     &cfg.RedisURL,
			"SENTRY_DSN":    &cfg.SentryDSN,
		})
		cancelSecrets()
		if err != nil {
			log.Fatalf("❌ Failed to load secrets: %v", err)
		}
		_ = secretsManager.Close()
	}

	appLogger := logger.NewWithOptions(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 0.2,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	// Initialize database with SSL configuration
	sslCfg := &database.SSLConfig{
		Mode:         cfg.DBSSLMode,
		CertPath:     cfg.DBSSLCertPath,
		KeyPath:      cfg.DBSSLKeyPath,
		RootCertPath: cfg.DBSSLRootCertPath,
	}
	poolCfg := database.DefaultPoolConfig()
	poolCfg.MaxOpenConns = cfg.DBMaxOpenConns
	poolCfg.MaxIdleConns = cfg.DBMaxIdleConns
	poolCfg.ConnMaxLifetime = cfg.DBConnMaxLifetime

	db, err := database.NewClientWithPoolAndSSL(cfg.DatabaseURL, poolCfg, sslCfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Redis cache
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()
	log.Printf("✅ Prometheus metrics initialized")

	// Domain services
	policy := lockmanager.Policy{GracePeriod: cfg.GracePeriod}
	referralService := referral.NewService(db.DB)
	pointsLedger := ledger.New(db.DB, prometheusMetrics)
	calculator := commission.NewCalculator(db.DB, referralService, pointsLedger, policy, appLogger.With("component", "commission"))
	cancellations := lockmanager.NewCancellationHandler(db.DB, pointsLedger, appLogger.With("component", "cancellation"))
	builder := network.NewBuilder(db.DB, referralService, pointsLedger, cfg.ActiveBookingThreshold)
	rewardsService := rewards.NewService(referralService, pointsLedger, builder,
		rewards.WithCache(redisClient, cfg.SummaryCacheTTL),
		rewards.WithMetrics(prometheusMetrics),
		rewards.WithLogger(appLogger.With("component", "rewards")),
	)

	processor := events.NewProcessor(events.Config{
		DB:            db.DB,
		Completions:   calculator,
		Cancellations: cancellations,
		Users:         referralService,
		Referrals:     rewardsService,
		MaxAttempts:   cfg.EventMaxAttempts,
		RetryBase:     cfg.EventRetryBase,
		Logger:        appLogger.With("component", "events"),
		Metrics:       prometheusMetrics,
	})

	reconciler := ledger.NewReconciler(db.DB, appLogger.With("component", "reconcile"), prometheusMetrics,
		func(ctx context.Context, alert models.IntegrityAlert) {
			sentry.CaptureMessage(fmt.Sprintf("ledger drift for user %s (alert %s)", alert.UserID, alert.ID))
		})
	sweeper := lockmanager.NewSweeper(pointsLedger, cfg.SweepBatchSize, appLogger.With("component", "sweeper"), prometheusMetrics)

	// Background jobs, leased through Redis so only one instance runs each job
	hostname, _ := os.Hostname()
	lease := jobs.NewLease(redisClient, hostname, time.Hour)
	cronManager := jobs.NewCronManager(sweeper, reconciler, rewardsService, lease, appLogger.With("component", "cron"))
	if err := cronManager.SetupJobs(cfg.SweepSchedule, cfg.ReconcileSchedule); err != nil {
		log.Fatalf("❌ Failed to setup cron jobs: %v", err)
	}
	cronManager.Start()
	log.Printf("⏰ Cron jobs started (%d entries)", cronManager.Entries())

	// Event stream consumer
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	if cfg.FeatureStreamConsumer {
		consumer := events.NewStreamConsumer(redisClient.Redis, cfg.EventStream, cfg.EventGroup, cfg.EventConsumer,
			processor, appLogger.With("component", "stream"))
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
				appLogger.Error("event stream consumer stopped", "error", err)
			}
		}()
		log.Printf("📨 Consuming %s as %s/%s", cfg.EventStream, cfg.EventGroup, cfg.EventConsumer)
	} else {
		close(consumerDone)
	}

	go reportPoolStats(consumerCtx, db, prometheusMetrics)

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Initialize rate limiters
	globalRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	defer globalRateLimiter.Close()
	redeemRateLimiter := custommiddleware.NewRateLimiter(cfg.RedeemRequestsPerMinute, 2)
	defer redeemRateLimiter.Close()

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			appLogger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
		}))
	}

	e.Use(prometheusMetrics.Middleware())
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	e.Use(middleware.Gzip())
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.DefaultSecurityHeadersConfig()))

	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}
		if err := redisClient.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")

	rewardsHandler := handlers.NewRewardsHandler(rewardsService)
	eventsHandler := handlers.NewEventsHandler(processor)
	adminHandler := handlers.NewAdminHandler(cronManager, reconciler, processor, pointsLedger)

	// Member routes
	rewardsGroup := v1.Group("/rewards")
	rewardsGroup.Use(custommw.JWTMiddleware(cfg.JWTSecret))
	rewardsGroup.Use(globalRateLimiter.RateLimitMiddleware())
	{
		rewardsGroup.GET("/summary", rewardsHandler.GetPointsSummary)
		rewardsGroup.GET("/network", rewardsHandler.GetNetworkTree)
		rewardsGroup.POST("/redeem", rewardsHandler.RedeemPoints, redeemRateLimiter.RateLimitMiddleware())
	}

	referralsGroup := v1.Group("/referrals")
	referralsGroup.Use(custommw.JWTMiddleware(cfg.JWTSecret))
	referralsGroup.Use(globalRateLimiter.RateLimitMiddleware())
	{
		referralsGroup.POST("/register", rewardsHandler.RegisterReferral)
	}

	// Internal event ingestion
	eventsGroup := v1.Group("/events")
	eventsGroup.Use(custommw.ServiceTokenMiddleware(cfg.ServiceToken))
	{
		eventsGroup.POST("/booking-completed", eventsHandler.BookingCompleted)
		eventsGroup.POST("/booking-cancelled", eventsHandler.BookingCancelled)
		eventsGroup.POST("/user-registered", eventsHandler.UserRegistered)
	}

	// Operator routes
	adminGroup := v1.Group("/admin/ledger")
	adminGroup.Use(custommw.JWTMiddleware(cfg.JWTSecret))
	adminGroup.Use(custommiddleware.RequireAdmin())
	{
		adminGroup.POST("/sweep", adminHandler.RunSweep)
		adminGroup.POST("/reconcile", adminHandler.RunReconcile)
		adminGroup.GET("/alerts", adminHandler.ListAlerts)
		adminGroup.POST("/alerts/:id/acknowledge", adminHandler.AcknowledgeAlert)
		adminGroup.GET("/dead-letters", adminHandler.ListDeadLetters)
		adminGroup.GET("/balances/:user_id/audit", adminHandler.AuditBalance)
	}

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 Rewards Ledger API starting on %s", address)
	log.Printf("📝 Log level: %s, Log format: %s", cfg.LogLevel, cfg.LogFormat)
	log.Printf("🛡️  Rate limiting: %d req/min (burst: %d), redeem %d req/min", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst, cfg.RedeemRequestsPerMinute)
	log.Printf("🔒 Grace period: %s, sweep: %s, reconcile: %s", cfg.GracePeriod, cfg.SweepSchedule, cfg.ReconcileSchedule)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}

	stopConsumer()
	<-consumerDone
	log.Println("✅ Event consumer stopped")

	select {
	case <-cronManager.Stop().Done():
		log.Println("✅ Cron jobs stopped")
	case <-ctx.Done():
		log.Println("⚠️  Cron jobs still running at shutdown deadline")
	}

	log.Println("✅ Server gracefully stopped")
}

// reportPoolStats publishes open database connections until ctx is cancelled
func reportPoolStats(ctx context.Context, db *database.Client, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateDBConnections(float64(db.Stats().OpenConnections))
		}
	}
}
