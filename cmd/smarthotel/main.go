// Package main запускает HTTP-сервер сервиса smarthotel.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foomin/smarthotel-system/internal/config"
	"github.com/foomin/smarthotel-system/internal/handler"
	"github.com/foomin/smarthotel-system/internal/middleware"
	"github.com/foomin/smarthotel-system/internal/repository"
	"github.com/foomin/smarthotel-system/internal/service"
	"github.com/foomin/smarthotel-system/internal/settlement"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.TokenPrice)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var settlementClient *settlement.Client
	if cfg.SettlementSystemAddress != "" {
		settlementClient = settlement.NewClient(cfg.SettlementSystemAddress)
	}

	svc := service.NewService(repo, settlementClient, service.Options{
		RoomCount:      cfg.RoomCount,
		TokensPerNight: cfg.TokensPerNight,
		OwnerLogin:     cfg.OwnerLogin,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса подтверждения покупок токенов
	g.Go(func() error {
		svc.StartSettlementUpdates(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting smarthotel server", "addr", cfg.RunAddress, "rooms", cfg.RoomCount)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
