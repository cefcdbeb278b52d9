package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/botline/botline/internal/adapter/telegram"
	"github.com/botline/botline/internal/auth"
	"github.com/botline/botline/internal/config"
	"github.com/botline/botline/internal/policy"
	store "github.com/botline/botline/internal/repository"
	"github.com/botline/botline/internal/service"
	handler "github.com/botline/botline/internal/transport/http"
)

func main() {
	// Load configuration
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Str("database", cfg.DatabaseURL).
		Msg("starting botline")

	if cfg.WebhookSecret == "" {
		logger.Fatal().Msg("WEBHOOK_SECRET is required")
	}
	if cfg.BotToken == "" {
		logger.Fatal().Msg("BOT_TOKEN is required")
	}

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	// Initialize signature verifier
	verifier := auth.NewVerifier(cfg.WebhookSecret, cfg.SignatureMaxAge)

	// Initialize policy guard
	ctx := context.Background()
	guard, err := policy.NewGuard(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize policy guard")
	}

	// Initialize platform client
	sender := telegram.NewClient(cfg.TelegramAPIURL, cfg.BotToken, cfg.SendTimeout, cfg.SendMaxAttempts, logger)

	// Initialize dispatcher
	dispatcher := service.New(db, sender, verifier, guard, cfg, logger)

	// Create HTTP server
	server := handler.NewServer(dispatcher, cfg.MaxBodyBytes)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().Int("port", cfg.HTTPPort).Msg("webhook endpoint started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server gracefully")
	}

	logger.Info().Msg("botline stopped")
}
