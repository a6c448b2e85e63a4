package cmd

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go/v7"

	"ticket-chain/config"
	"ticket-chain/internal/chain"
	"ticket-chain/internal/chain/relay"
	"ticket-chain/internal/handlers"
	"ticket-chain/internal/repo"
	"ticket-chain/internal/wallet"
	_ "ticket-chain/migrations"
	"ticket-chain/monitoring"
	"ticket-chain/security"
	"ticket-chain/services"
	"ticket-chain/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PubNub
	notifier := services.NewNoopNotifier()
	if cfg.PubNubPublishKey != "" {
		pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId("ticket-chain"))
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey

		notifier = services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
	}

	// Initialize the chain relay. Without one, every event settles
	// through the non-blockchain path.
	var chainClient chain.Client
	var walletCreator wallet.Creator
	if cfg.RelayBaseURL != "" {
		relayClient, err := relay.New(ctx, &relay.Config{
			BaseURL:   cfg.RelayBaseURL,
			ClientID:  cfg.RelayClientID,
			ClientKey: cfg.RelayClientKey,
			HMACKey:   cfg.RelayHMACKey,
		})
		if err != nil {
			return err
		}
		chainClient = relayClient
		walletCreator = relayClient
	} else {
		slog.Warn("chain relay not configured, minting is disabled")
	}

	// Initialize storage and services
	store := repo.NewPB(app)
	monitor := monitoring.NewMonitor()
	walletProvider := wallet.NewRelayProvider(store, walletCreator)

	settlementService := services.NewSettlementService(store, store, chainClient, walletProvider, notifier, monitor, cfg)
	accessService := services.NewAccessService(store, redisClient, notifier, monitor, cfg)
	sweeperService := services.NewSweeperService(store, store, redisClient, monitor, cfg)

	// Initialize handlers
	settlementHandler := handlers.NewSettlementHandler(app, settlementService, store)
	resaleHandler := handlers.NewResaleHandler(app, settlementService)
	accessHandler := handlers.NewAccessHandler(app, accessService)
	limiter := security.NewScanRateLimiter(redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background tasks
	go sweeperService.Run(ctx)

	// Setup graceful shutdown
	go handleShutdown(cancel, settlementService)

	if cfg.EnableMetrics {
		go serveMetrics(cfg.MetricsPort)
	}

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Order and ticket endpoints
		e.Router.POST("/api/v1/orders/confirm", settlementHandler.ConfirmOrder)
		e.Router.GET("/api/v1/tickets/{ticketId}", settlementHandler.GetTicket)
		e.Router.POST("/api/v1/tickets/{ticketId}/mint", settlementHandler.RetryMint)

		// Resale and transfer endpoints
		resale := e.Router.Group("/api/v1/tickets/{ticketId}")
		resale.BindFunc(limiter.BlockScrapers())
		resale.POST("/resale", resaleHandler.ListResale)
		resale.DELETE("/resale", resaleHandler.CancelResale)
		resale.POST("/transfer", resaleHandler.Transfer)

		// Gate endpoints
		gate := e.Router.Group("/api/v1/gate")
		gate.BindFunc(limiter.Limit())
		gate.POST("/scan", accessHandler.Scan)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics listener started", "port", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Error("metrics listener failed", "error", err)
	}
}

func handleShutdown(cancel context.CancelFunc, settlement *services.SettlementService) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	cancel()
	settlement.Stop()
}
