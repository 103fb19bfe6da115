package main

import (
	"context"   // Shutdown and background workers
	"net/http"  // HTTP server
	"os"        // Signals
	"os/signal" // Graceful shutdown
	"syscall"   // SIGTERM
	"time"      // Shutdown timeout

	"recharge_store/internal/api"        // Custom package for API handlers
	"recharge_store/internal/catalog"    // Plans and price resolution
	"recharge_store/internal/config"     // Custom package for configuration
	"recharge_store/internal/db"         // Database connection and migrations
	"recharge_store/internal/events"     // Domain event publishing
	"recharge_store/internal/inventory"  // Inventory engine
	"recharge_store/internal/metrics"    // Prometheus collectors
	"recharge_store/internal/middleware" // Custom package for middleware
	"recharge_store/internal/order"      // Order manager
	"recharge_store/internal/payment"    // Gateway abstraction
	"recharge_store/internal/reconcile"  // Payment settlement
	"recharge_store/internal/sweeper"    // Stale order / expiry sweeper
	"recharge_store/internal/telemetry"  // OpenTelemetry setup
	"recharge_store/internal/wallet"     // Wallet ledger

	"github.com/gin-gonic/gin"                                                     // Gin web framework
	"github.com/redis/go-redis/v9"                                                 // Redis client
	"github.com/sirupsen/logrus"                                                   // Logrus for structured logging
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin" // Request spans
)

const serviceName = "recharge-store"

// Main function to set up and run the server
func main() {
	cfg := config.LoadConfig() // Load configuration

	// Setup logger
	if cfg.IsProd {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger := logrus.WithField("service", serviceName)

	// Connect to the database and bring the schema up to date
	gdb, err := db.Open(cfg)
	if err != nil {
		logrus.Fatalf("failed to connect to DB: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.Fatalf("failed to migrate DB: %v", err)
	}

	// Setup Redis client; without one, balances are always read from the database
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr, // Redis server address
			Password: cfg.RedisPass, // Redis password
			DB:       cfg.RedisDB,   // Redis database number
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logrus.Fatalf("failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	// Tracing
	shutdownTracing, err := telemetry.InitTracing(serviceName, cfg.JaegerEndpoint, logger)
	if err != nil {
		logrus.Fatalf("failed to initialize tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	// Event publishing
	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			logrus.Fatalf("failed to initialize Kafka producer: %v", err)
		}
		kafkaPublisher := events.NewKafkaPublisher(producer, cfg.KafkaTopic, logger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	// Domain services
	ledger := wallet.NewLedger(gdb, redisClient, cfg.WalletCacheTTL, cfg.Currency, logger)
	plans := catalog.NewStore(gdb)
	stock := inventory.NewEngine(gdb, cfg.InventorySkipLocked, logger)
	orders := order.NewManager(gdb, catalog.NewRegistry(plans), stock, cfg.Currency, logger)
	payments := payment.NewManager(gdb, orders, ledger, payment.Options{
		Timeout:             cfg.GatewayTimeout,
		BreakerMaxFailures:  cfg.BreakerMaxFailures,
		BreakerResetTimeout: cfg.BreakerResetTimeout,
	}, logger)
	reconciler := reconcile.New(gdb, payments, orders, stock, ledger, publisher, logger)

	// Background sweeper
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	sweep := sweeper.New(orders, stock, sweeper.Config{
		Interval:       cfg.SweepInterval,
		ReservationTTL: cfg.ReservationTTL,
	}, logger)
	go sweep.Run(ctx)

	// Set Mode to Release if in production
	if cfg.IsProd {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup Gin
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName)) // Must run first to extract trace context
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(metrics.Middleware())

	// Set trusted proxies for Gin
	if err := r.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		logrus.Fatalf("failed to set trusted proxies: %v", err)
	}

	r.GET("/health", func(c *gin.Context) {
		sqlDB, err := gdb.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", metrics.Handler())

	api.RegisterRoutes(r, api.Services{
		Ledger:     ledger,
		Plans:      plans,
		Stock:      stock,
		Orders:     orders,
		Payments:   payments,
		Reconciler: reconciler,
	}, cfg.JWTSecret)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("failed to start server: %v", err)
		}
	}()
	logger.Info("Server running on " + cfg.AppPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
