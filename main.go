package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/OpenTranslate/config"
	"github.com/room4-2/OpenTranslate/functions"
	"github.com/room4-2/OpenTranslate/gemini"
	"github.com/room4-2/OpenTranslate/handshake"
	"github.com/room4-2/OpenTranslate/server"
	"github.com/room4-2/OpenTranslate/session"

	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		logger.Fatal("Failed to create Gemini client", zap.Error(err))
	}

	var tools session.Tools
	if cfg.KnowledgeDir != "" {
		kb, err := functions.LoadKnowledgeBase(cfg.KnowledgeDir, logger)
		if err != nil {
			logger.Fatal("Failed to load knowledge base", zap.Error(err))
		}
		tools = kb
	}

	sessions := session.NewManager(session.ManagerOptions{
		MaxSessions:    cfg.MaxSessions,
		SessionTimeout: cfg.SessionTimeout,
		Keys:           handshake.KeysFor(cfg.KeyStyle),
		Redis:          session.ConnectRedis(cfg, logger),
	}, logger)

	if n, err := sessions.Restore(ctx); err != nil {
		logger.Warn("Failed to restore sessions", zap.Error(err))
	} else if n > 0 {
		logger.Info("Restored sessions", zap.Int("count", n))
	}

	// Start cleanup routine
	go sessions.StartCleanupRoutine(ctx)

	newUpstream := func() session.Upstream {
		return gemini.NewProxy(client, logger)
	}
	srv := server.New(cfg, sessions, newUpstream, tools, logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Server stopped")
}
