package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quotaledger-go/internal/domain/ledger"
	"github.com/quotaledger-go/internal/services/ledger/handlers"
	"github.com/quotaledger-go/internal/services/ledger/service"
	"github.com/quotaledger-go/internal/services/ledger/sweeper"
	"github.com/quotaledger-go/pkg/cache"
	"github.com/quotaledger-go/pkg/config"
	"github.com/quotaledger-go/pkg/database"
	"github.com/quotaledger-go/pkg/logger"
	"github.com/quotaledger-go/pkg/metrics"
	"github.com/quotaledger-go/pkg/middleware/auth"
	"github.com/quotaledger-go/pkg/ratelimit"
	"github.com/quotaledger-go/pkg/telemetry"
)

type Server struct {
	config      *config.Config
	logger      logger.Logger
	httpServer  *http.Server
	db          *database.DB
	redis       *redis.Client
	telemetry   *telemetry.Telemetry
	sweeper     *sweeper.Sweeper
	stopMonitor func()
}

func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	db, err := database.New(cfg.Database.ToDatabaseConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(
		&ledger.Account{},
		&ledger.AccountStats{},
		&ledger.RequestUsage{},
		&ledger.ReferralCode{},
		&ledger.ReferralEdge{},
		&ledger.PromoCode{},
		&ledger.PromoRedemption{},
		&ledger.Plan{},
		&ledger.Subscription{},
		&ledger.Payment{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	planCache := cache.NewRedisCache(redisClient, "plans")

	ledgerService := service.NewLedgerService(db, planCache, tel, service.PolicyFromConfig(cfg.Ledger), log)
	ledgerHandlers := handlers.NewLedgerHandlers(ledgerService, log)

	authManager := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer,
		time.Duration(cfg.Auth.JWTExpiry)*time.Second)
	limiter := ratelimit.NewKeyedLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	router := setupRouter(ledgerHandlers, authManager, limiter, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		db:         db,
		redis:      redisClient,
		telemetry:  tel,
		sweeper:    sweeper.New(ledgerService, cfg.Ledger.ExpirySweepSchedule, log),
	}, nil
}

func setupRouter(h *handlers.LedgerHandlers, authManager *auth.Manager, limiter *ratelimit.KeyedLimiter, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))
	router.Use(metricsMiddleware())
	router.Use(ratelimit.Middleware(limiter))
	router.Use(auth.Middleware(authManager))

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1/ledger")
	{
		// Accounts and quota
		v1.POST("/accounts", h.Register)
		v1.GET("/accounts/:id", h.GetAccount)
		v1.GET("/accounts/:id/stats", h.GetAccountStats)
		v1.PUT("/accounts/:id/status", h.SetAccountStatus)
		v1.POST("/accounts/:id/consume", h.Consume)
		v1.POST("/accounts/:id/usage", h.RecordUsage)

		// Referrals
		v1.POST("/accounts/:id/referral-code", h.EnsureReferralCode)
		v1.POST("/accounts/:id/referral", h.ApplyReferral)
		v1.POST("/accounts/:id/referral/convert", h.MarkReferralConverted)
		v1.GET("/accounts/:id/referral/stats", h.ReferralStats)

		// Promo codes
		v1.POST("/accounts/:id/promo", h.RedeemPromo)
		v1.POST("/promos", h.CreatePromo)

		// Plans and purchases
		v1.GET("/plans", h.ListPlans)
		v1.POST("/plans", h.CreatePlan)
		v1.POST("/accounts/:id/purchase", h.PurchasePlan)
	}

	return router
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) Start() error {
	if err := s.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	s.stopMonitor = s.db.StartPoolMonitor(15 * time.Second)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	if s.stopMonitor != nil {
		s.stopMonitor()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.telemetry.Close(); err != nil {
		s.logger.Warn("telemetry shutdown failed", "error", err)
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("redis shutdown failed", "error", err)
	}
	return s.db.Close()
}
