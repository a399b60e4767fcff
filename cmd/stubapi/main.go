package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/observability"
	"github.com/spec-kit/portal-client/internal/stubapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	server := stubapi.NewServer(cfg.Stub, logger)

	// demo account, 2FA enrolled with a static code
	if _, err := server.SeedAccount(stubapi.Account{
		Email:            "demo@example.com",
		FirstName:        "Demo",
		LastName:         "Client",
		TwoFactorEnabled: true,
		TwoFactorCode:    "424242",
		EmailVerified:    true,
	}, "password123"); err != nil {
		logger.Fatal("failed to seed demo account", zap.Error(err))
	}
	logger.Info("seeded demo account", zap.String("email", "demo@example.com"))

	app := server.App()
	go func() {
		if err := app.Listen(cfg.Stub.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
