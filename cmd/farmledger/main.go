package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"farmledger/internal/advisor"
	"farmledger/internal/amqp"
	"farmledger/internal/auth"
	"farmledger/internal/config"
	apphttp "farmledger/internal/http"
	"farmledger/internal/ledger"
	"farmledger/internal/ledger/remote"
	"farmledger/internal/log"
	"farmledger/internal/services"
	"farmledger/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.Setup(log.ComponentApp)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize fallback store", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var backend ledger.Backend
	if cfg.CloudEnabled {
		client, err := remote.New(remote.Config{
			BaseURL:    cfg.LedgerURL,
			Timeout:    cfg.HTTPTimeout,
			MaxRetries: cfg.FetchRetries,
		})
		if err != nil {
			logger.Error("Failed to initialize ledger client", "error", err)
			os.Exit(1)
		}
		backend = client
		logger.Info("Remote ledger backend initialized")
	} else {
		logger.Info("Cloud sync disabled, running on local store only")
	}

	var queue services.SyncQueue
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			// the app still works: writes stay pending until the worker
			// drains them via its periodic scan
			logger.Warn("AMQP unavailable, sync messages will be skipped", "error", err)
		} else {
			defer amqpClient.Close()
			queue = amqpClient
		}
	}

	svc := services.NewLedgerService(backend, repo, queue)
	sessions := auth.NewAuthenticator(svc, cfg.JWTSecret, cfg.SessionTTL)

	var adv apphttp.Advisor
	if cfg.AdvisorAPIKey != "" {
		advisorClient, err := advisor.New(advisor.Config{
			APIKey:  cfg.AdvisorAPIKey,
			BaseURL: cfg.AdvisorBaseURL,
			Model:   cfg.AdvisorModel,
		})
		if err != nil {
			logger.Warn("Advisor disabled", "error", err)
		} else {
			adv = advisorClient
			logger.Info("AI advisor enabled", "model", cfg.AdvisorModel)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// warm the cache; failures fall back to whatever is stored locally
	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.HTTPTimeout*2)
	svc.Load(loadCtx)
	loadCancel()

	srv := apphttp.NewServer(":"+cfg.Port, svc, sessions, adv)
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting farmledger server", "port", cfg.Port, "cloud", cfg.CloudEnabled)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
