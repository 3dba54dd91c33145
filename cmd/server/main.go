package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/chain"
	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/charliepank/blockchain-relay-utility/internal/contract"
	"github.com/charliepank/blockchain-relay-utility/internal/handler"
	"github.com/charliepank/blockchain-relay-utility/internal/manager"
	"github.com/charliepank/blockchain-relay-utility/internal/middleware"
	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/charliepank/blockchain-relay-utility/internal/plugin"
	"github.com/charliepank/blockchain-relay-utility/internal/repository"
	"github.com/charliepank/blockchain-relay-utility/internal/security"
	"github.com/charliepank/blockchain-relay-utility/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	// 2. Connect to the chain
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	chainClient, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
	dialCancel()
	if err != nil {
		log.Fatalf("Failed to connect to RPC endpoint: %v", err)
	}

	chainID := cfg.Chain.ChainID
	if chainID == 0 {
		idCtx, idCancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, err := chainClient.ChainID(idCtx)
		idCancel()
		if err != nil {
			log.Fatalf("Failed to derive chain id from RPC: %v", err)
		}
		chainID = id.Int64()
	}
	logger.Info("✅ Connected to chain", "rpc_url", cfg.Chain.RPCURL, "chain_id", chainID)

	// 3. Security store with hot reload
	var secStore *security.Store
	if cfg.Security.Enabled {
		secStore, err = security.NewStore(cfg.Security.ConfigPath)
		if err != nil {
			log.Fatalf("Failed to load security config: %v", err)
		}
		if err := secStore.Watch(); err != nil {
			log.Fatalf("Failed to watch security config: %v", err)
		}
	} else {
		logger.Warn("⚠️ API security is DISABLED; all requests are anonymous")
	}

	// 4. Usage persistence (Redis > Memory)
	var usageRepo service.UsageRepo
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			usageRepo = redisClient
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if usageRepo == nil {
		usageRepo = service.NewUsageStore()
	}

	// Audit persistence (Postgres > local file)
	var auditRepo service.AuditRepo
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			auditRepo = repository.NewPostgresAuditRepo(db)
		} else {
			logger.Error("⚠️ Failed to connect to DB, audit logs will be file-only", "error", err)
		}
	}
	auditSvc, err := service.NewAuditService("./logs", auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	// 5. Core relay services
	policy := service.NewGasPolicy(chainClient, cfg.Gas)
	eventHub := service.NewEventHub()

	nonceMgr := manager.NewNonceManager(chainClient)
	receiptInterval := time.Duration(cfg.Gas.ReceiptWaitIntervalSeconds) * time.Second
	funderFor := func(wallet *model.WalletConfig) (service.Funder, error) {
		return contract.NewGasPayer(chainClient, nonceMgr, cfg.Contract.GasPayerAddress, wallet,
			big.NewInt(chainID), cfg.Gas.ReceiptWaitAttempts, receiptInterval)
	}

	engine := service.NewRelayEngine(chainClient, policy, funderFor, cfg.Gas, chainID).
		WithUsage(usageRepo).
		WithEvents(eventHub)
	if cfg.Pricing.Enabled {
		engine = engine.WithPricing(service.NewPriceOracle(cfg.Pricing))
	}

	// 6. Plugins
	registry := plugin.NewRegistry()
	registry.Register(plugin.NewRelayOps(cfg.Plugins.Relay))
	if err := registry.Initialize(engine); err != nil {
		log.Fatalf("Plugin initialization failed: %v", err)
	}

	// 7. Router
	systemHandler := handler.NewSystemHandler(registry, policy, usageRepo, eventHub, chainID)
	idempotencyStore := middleware.NewInMemIdempotencyStore()

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware(auditSvc))

	r.GET("/health", systemHandler.Health)
	r.GET("/actuator/health", systemHandler.Health)
	r.GET("/ping", systemHandler.Ping)
	r.GET("/status", systemHandler.Status)
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/")
	api.Use(middleware.AuthMiddleware(secStore, cfg.Security.Enabled))
	api.Use(middleware.RateLimitMiddleware(secStore))
	api.Use(middleware.IdempotencyMiddleware(idempotencyStore))
	{
		api.GET("/gas-costs", systemHandler.GasCosts)
		api.GET("/api/usage", systemHandler.Usage)
		api.GET("/ws/events", systemHandler.Events)
		registry.MountRoutes(api)
	}

	// 8. Start server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 Relay service started", "port", cfg.Server.Port, "chain_id", chainID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eventHub.Stop()
	auditSvc.Close()
	if secStore != nil {
		secStore.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	chainClient.Close()

	logger.Info("Server exiting")
}
