package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/api"
	"candle-signal-bot/internal/auth"
	"candle-signal-bot/internal/cache"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/ledger"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/notify"
	"candle-signal-bot/internal/payment"
	"candle-signal-bot/internal/quote"
	"candle-signal-bot/internal/tracking"
	"candle-signal-bot/internal/vault"
)

func main() {
	// .env is optional, env vars win either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    cfg.LoggingConfig.Output,
		Component: "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	// Resolve secrets: Vault when enabled, env/config otherwise
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}

	secretsCtx, secretsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	secrets, err := vaultClient.LoadSecrets(secretsCtx, vault.Secrets{
		TelegramBotToken: cfg.TelegramConfig.BotToken,
		WebhookSecret:    cfg.ServerConfig.WebhookSecret,
		JWTSecret:        cfg.AuthConfig.JWTSecret,
	})
	secretsCancel()
	if err != nil {
		log.Fatalf("Failed to load secrets: %v", err)
	}
	cfg.ServerConfig.WebhookSecret = secrets.WebhookSecret
	if vaultClient.IsEnabled() {
		logger.Info("secrets loaded from vault")
	}

	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("database ready")

	repo := database.NewRepository(db)

	eventBus := events.NewEventBus()

	lockLogger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "locks").Logger()
	locks := cache.NewLockService(cfg.RedisConfig, lockLogger)
	defer locks.Close()

	var gateway notify.Gateway
	if cfg.TelegramConfig.Enabled && secrets.TelegramBotToken != "" {
		gateway = notify.NewTelegramGateway(secrets.TelegramBotToken)
		logger.Info("telegram gateway enabled")
	} else {
		gateway = notify.NewLogGateway(logger)
		logger.Info("telegram disabled, notifications go to the log")
	}

	quotes := quote.NewClient(cfg.QuoteConfig.BaseURL, cfg.QuoteConfig.Timeout)
	symbols := quote.DefaultRegistry()

	ledgerService := ledger.NewService(repo, logger)

	trackingService := tracking.NewService(repo, quotes, gateway, locks, symbols, eventBus, cfg.TrackingConfig, logger)
	scheduler := tracking.NewScheduler(trackingService, repo, locks, cfg.TrackingConfig, logger)

	paymentService, err := payment.NewService(repo, gateway, locks, payment.DefaultCatalogue(), eventBus, cfg.PaymentConfig, logger)
	if err != nil {
		log.Fatalf("Failed to create payment service: %v", err)
	}
	sweeper := payment.NewSweeper(paymentService, logger)

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		if secrets.JWTSecret == "" {
			log.Fatalf("Auth is enabled but no JWT secret is configured")
		}
		jwtManager = auth.NewJWTManager(secrets.JWTSecret, 24*time.Hour)
		logger.Info("JWT auth enabled")
	}

	server := api.NewServer(cfg.ServerConfig, repo, eventBus, trackingService, paymentService, ledgerService, jwtManager, logger)

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start tracking scheduler: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start payment sweeper: %v", err)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start web server: %v", err)
		}
	}()

	logger.Info("candle-signal-bot started",
		"host", cfg.ServerConfig.Host, "port", cfg.ServerConfig.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	scheduler.Stop()
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}
