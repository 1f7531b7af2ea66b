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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler"
	"github.com/zhouzirui/z-chat/backend/internal/lock"
	"github.com/zhouzirui/z-chat/backend/internal/service/ai"
	"github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/internal/stream"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	repo, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	chatService := chat.NewService(repo, logger)
	if cfg.Store.Seed {
		if _, err := chatService.Seed(ctx); err != nil {
			return err
		}
	}

	locker, err := lock.New(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	defer locker.Close()

	// Initialize completion source
	var producer *stream.Producer
	source, err := ai.NewSource(ctx, cfg.AI)
	switch {
	case errors.Is(err, ai.ErrDisabled):
		logger.Warn("模型凭证未配置，发送消息接口将返回 503", zap.String("provider", cfg.AI.Provider))
	case err != nil:
		logger.Warn("failed to initialize completion source, continuing without it",
			zap.String("provider", cfg.AI.Provider), zap.Error(err))
	default:
		producer = stream.NewProducer(source, repo, cfg.AI.Timeout, logger)
		logger.Info("completion source initialized",
			zap.String("provider", cfg.AI.Provider), zap.Duration("timeout", cfg.AI.Timeout))
	}

	router := handler.NewRouter(handler.Dependencies{
		Chat:     chatService,
		Producer: producer,
		Locker:   locker,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Z Chat backend listening", zap.String("addr", srv.Addr))
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
