package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gem-duel-system/config"
	"gem-duel-system/handlers"
	"gem-duel-system/logger"
	"gem-duel-system/middleware"
	"gem-duel-system/models"
	"gem-duel-system/services"
	"gem-duel-system/utils"
	"gem-duel-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Initialize(logger.Configuration{
		LogFile:   cfg.Log.File,
		ErrorFile: cfg.Log.ErrorFile,
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
	})
	defer logger.Sync()
	if envErr != nil {
		logger.Info("No .env file found, reading environment variables directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	evidence, err := utils.NewEvidenceStore(ctx, utils.R2Config{
		AccountID:       cfg.CloudflareAccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		Bucket:          cfg.R2BucketName,
		CDNBaseURL:      cfg.CDNBaseURL,
	})
	if err != nil {
		logger.Fatal("failed to initialize R2 client", zap.Error(err))
	}
	if evidence == nil {
		logger.Warn("R2 not configured, dispute evidence uploads disabled")
	}

	chain := services.NewEVMChainClient(cfg.ChainRPCURLs)
	defer chain.Close()
	prices := services.NewCoinGeckoPrices(cfg.PriceAPIURL, cfg.PriceTokenIDs, cfg.PriceTTL, utils.HTTPClient)

	notifier := services.NewDBNotifier(db)
	ledger := services.NewLedger(db)
	allocator := services.NewAllocator(db, cfg.ServerLiveness)
	duels := services.NewDuelService(db, ledger, allocator, notifier, services.DuelConfig{
		TaxRate:        cfg.TaxRate,
		HouseAccountID: cfg.HouseAccountID,
		PendingExpiry:  cfg.PendingExpiry,
		AcceptedExpiry: cfg.AcceptedExpiry,
		ForfeitWindow:  cfg.ForfeitWindow,
		ForfeitJitter:  cfg.ForfeitJitter,
		AckWindow:      cfg.AckWindow,
	})
	allocator.CrashSweep = duels.CrashSweep
	matchmaking := services.NewMatchmakingService(db, ledger, allocator, duels, notifier)
	deposits := services.NewDepositReconciler(db, ledger, chain, prices, notifier, cfg.UsdToGemsRate, cfg.ConfirmationsFor)
	sweeper := services.NewSweeper(duels, allocator)
	accounts := services.NewAccountService(db, cfg.HouseAccountID)

	if err := db.Transaction(func(tx *gorm.DB) error {
		return ledger.EnsureAccount(tx, cfg.HouseAccountID, "house")
	}); err != nil {
		logger.Fatal("failed to provision house account", zap.Error(err))
	}

	sched, err := services.StartScheduler(ctx, services.DuelJobs(
		matchmaking, sweeper, deposits,
		cfg.MatchmakingInterval, cfg.SweeperInterval, cfg.DepositInterval,
	))
	if err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	if cfg.SyncServiceURL != "" {
		workers.NewAccountSyncWorker(db, cfg.SyncServiceURL, cfg.GameServiceToken, utils.HTTPClient, cfg.SyncInterval).Start(ctx)
		workers.NewAddressSyncWorker(db, cfg.SyncServiceURL, cfg.GameServiceToken, utils.HTTPClient, cfg.SyncInterval).Start(ctx)
	} else {
		logger.Warn("SYNC_SERVICE_URL not set, account and deposit address sync disabled")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: utils.MaxEvidenceBytes + 1<<20,
	})

	// Only gateway requests are allowed, no exceptions.
	app.Use(middleware.GatewayAuthMiddleware(cfg.GameServiceToken))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOriginList(), ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	handlers.SetupDuelRoutes(app, duels, evidence)
	handlers.SetupQueueRoutes(app, matchmaking)
	handlers.SetupAccountRoutes(app, accounts)
	handlers.SetupWalletRoutes(app, ledger, deposits)
	handlers.SetupNotificationRoutes(app, notifier)
	handlers.SetupServerRoutes(app, allocator, duels)
	handlers.SetupAdminRoutes(app, handlers.AdminDeps{
		Ledger:      ledger,
		Duels:       duels,
		Matchmaking: matchmaking,
		Sweeper:     sweeper,
		Deposits:    deposits,
		Allocator:   allocator,
	})
	handlers.SetupWebhookRoutes(app, deposits, cfg.ChainWebhookSigningKey)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("server running",
		zap.String("addr", cfg.ListenAddr),
		zap.String("tax_rate", cfg.TaxRate.String()),
		zap.String("house_account", cfg.HouseAccountID))

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", zap.Error(err))
	}
}
