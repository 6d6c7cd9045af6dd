package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"actionpay-backend/internal/common/cache"
	"actionpay-backend/internal/common/config"
	"actionpay-backend/internal/common/logger"
	"actionpay-backend/internal/common/middleware"
	"actionpay-backend/internal/common/validation"
	_ "actionpay-backend/internal/docs"
	fraudHTTP "actionpay-backend/internal/features/fraud/delivery/http"
	fraudRepo "actionpay-backend/internal/features/fraud/repository"
	fraudMemory "actionpay-backend/internal/features/fraud/repository/memory"
	fraudRedis "actionpay-backend/internal/features/fraud/repository/redis"
	fraudService "actionpay-backend/internal/features/fraud/service"
	healthHTTP "actionpay-backend/internal/features/health/delivery/http"
	healthService "actionpay-backend/internal/features/health/service"
	"actionpay-backend/internal/features/ledger/repository"
	ledgerMemory "actionpay-backend/internal/features/ledger/repository/memory"
	ledgerPostgres "actionpay-backend/internal/features/ledger/repository/postgres"
	settingsHTTP "actionpay-backend/internal/features/settings/delivery/http"
	settingsService "actionpay-backend/internal/features/settings/service"
	settlementHTTP "actionpay-backend/internal/features/settlement/delivery/http"
	settlementService "actionpay-backend/internal/features/settlement/service"
	verificationHTTP "actionpay-backend/internal/features/verification/delivery/http"
	verificationService "actionpay-backend/internal/features/verification/service"
	"actionpay-backend/internal/platform/metrics"
	"actionpay-backend/internal/platform/postgres"
	"actionpay-backend/internal/platform/redis"
	"actionpay-backend/internal/platform/solana"
)

// @title           ActionPay API
// @version         1.0
// @description     Reward verification, claim settlement and weekly prize payouts on Solana.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey AdminToken
// @in header
// @name Authorization
// @description Bearer <ADMIN_TOKEN>

// @tag.name verification
// @tag.description Action claims, holder time-locks and batched payouts

// @tag.name admin
// @tag.description Review, settlement rounds, fraud signals, health and settings

// readinessCheck is a dependency checked by /ready.
type readinessCheck struct {
	name  string
	check func(context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("actionpay-backend", false, "")
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.ServiceName, cfg.Debug, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	var checks []readinessCheck

	// Ledger
	var store repository.Store
	switch cfg.Ledger.Driver {
	case "memory":
		logger.Warn().Msg("Using the in-memory ledger, state is lost on restart")
		store = ledgerMemory.New()
	default:
		pg, err := postgres.NewClient(ctx, cfg.Postgres, logger.Component("postgres"))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()
		if cfg.Postgres.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal().Err(err).Msg("Failed to migrate database")
			}
		}
		store = ledgerPostgres.NewPostgresRepository(pg.GetDB())
		checks = append(checks, readinessCheck{"postgres", pg.HealthCheck})
	}

	// Redis backs locks, the settings cache and the IP tracker. Only local
	// runs on the memory ledger may go without it.
	var (
		locker        redis.Locker
		settingsCache cache.Cache
		tracker       fraudRepo.Tracker
	)
	rc, err := redis.Open(ctx, redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	switch {
	case err == nil:
		defer rc.Close()
		locker = redis.NewLocker(rc, "actionpay:lock:")
		settingsCache = cache.NewRedisCache(rc, "actionpay:cache:")
		tracker = fraudRedis.NewTracker(rc)
		checks = append(checks, readinessCheck{"redis", rc.HealthCheck})
		logger.Info().Str("addr", cfg.RedisAddr()).Msg("Redis connected")
	case cfg.Ledger.Driver == "memory":
		logger.Warn().Err(err).Msg("Redis unavailable, using process-local locks and caches")
		locker = redis.NewLocalLocker()
		settingsCache = cache.NewMemoryCache()
		tracker = fraudMemory.NewTracker()
	default:
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	chain := solana.NewClient(solana.Config{
		RPCURL:         cfg.Solana.RPCURL,
		Commitment:     cfg.Solana.Commitment,
		ConfirmTimeout: cfg.Solana.ConfirmTimeout,
		Rate:           cfg.Solana.RPCRate,
		Burst:          cfg.Solana.RPCBurst,
	}, m, logger.Component("solana"))

	// Services
	settingsSvc := settingsService.NewService(store, settingsCache, logger.Component("settings"))

	policy, err := verificationService.LoadPolicy(cfg.Verification.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load verification policy")
	}
	verificationOpts := []verificationService.Option{verificationService.WithMetrics(m)}
	if cfg.Verification.TelegramBotToken != "" {
		verificationOpts = append(verificationOpts, verificationService.WithTelegramVerifier(
			verificationService.NewInitDataVerifier(cfg.Verification.TelegramBotToken, cfg.Verification.InitDataTTL)))
	}
	verificationSvc := verificationService.NewService(
		verificationService.Config{
			SigningKey:  cfg.Solana.SigningKey,
			Policy:      policy,
			ResendAfter: cfg.Verification.ResendAfter,
		},
		store, chain, chain, settingsSvc, locker, logger.Component("verification"),
		verificationOpts...,
	)

	settlementSvc := settlementService.NewService(settlementService.Config{
		SigningKey:     cfg.Solana.SigningKey,
		RewardMint:     cfg.Solana.RewardMint,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		RetryBaseDelay: cfg.Settlement.RetryBaseDelay,
		RetryMaxDelay:  cfg.Settlement.RetryMaxDelay,
		LockTTL:        cfg.Settlement.LockTTL,
	}, store, chain, settingsSvc, locker, logger.Component("settlement"), settlementService.WithMetrics(m))
	scheduler := settlementService.NewScheduler(settlementSvc, settlementService.ScheduleConfig{
		CloseInterval: cfg.Settlement.CloseInterval,
		RetryInterval: cfg.Settlement.RetryInterval,
		StartupDelay:  cfg.Settlement.StartupDelay,
	}, logger.Component("settlement"))

	fraudSvc := fraudService.NewService(fraudService.Config{
		IPWalletThreshold:    cfg.Fraud.IPWalletThreshold,
		Enforcement:          fraudService.Enforcement(cfg.Fraud.Enforcement),
		SuspiciousReputation: cfg.Fraud.SuspiciousReputation,
		SuspiciousBalance:    decimal.NewFromFloat(cfg.Fraud.SuspiciousBalance),
	}, tracker, store, m, logger.Component("fraud"))

	monitor := healthService.NewMonitor(healthService.Config{
		Interval:             cfg.Health.Interval,
		Window:               cfg.Health.Window,
		FailureRateThreshold: cfg.Health.FailureRateThreshold,
		RPCErrorThreshold:    cfg.Health.RPCErrorThreshold,
	}, store, m, logger.Component("health"))

	// HTTP
	if err := validation.RegisterBindings(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register validators")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	httpLog := logger.Component("http")

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(httpLog))
	router.Use(middleware.ErrorHandler(httpLog))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.Server.Origin}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization", "Accept", "X-Request-ID", "X-Wallet-Address"}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api/v1", fraudHTTP.TrackIP(fraudSvc, httpLog), middleware.RenderErrors(httpLog))
	verificationHTTP.NewHandler(verificationSvc).RegisterRoutes(api)

	admin := router.Group("/admin", middleware.RequireAdmin(cfg.Admin.Token), middleware.RenderErrors(httpLog))
	verificationHTTP.NewHandler(verificationSvc).RegisterAdminRoutes(admin)
	settlementHTTP.NewHandler(settlementSvc).RegisterAdminRoutes(admin)
	fraudHTTP.NewHandler(fraudSvc).RegisterAdminRoutes(admin)
	healthHTTP.NewHandler(monitor, settlementSvc).RegisterAdminRoutes(admin)
	settingsHTTP.NewHandler(settingsSvc).RegisterRoutes(admin)

	setupOps(router, cfg.ServiceName, checks)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Solana.ConfirmTimeout,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	monitor.Start()

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	scheduler.Stop()
	monitor.Stop()

	logger.Info().Msg("Server exited")
}

func setupOps(router *gin.Engine, service string, checks []readinessCheck) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   service,
		})
	})

	router.GET("/live", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		for _, p := range checks {
			if err := p.check(ctx); err != nil {
				logger.Warn().Err(err).Str("dependency", p.name).Msg("Readiness check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unready",
					"error":   p.name + " unavailable",
					"details": err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC(),
			"service":   service,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}
