package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"LNCustody/internal/app"
	"LNCustody/internal/config"
	"LNCustody/internal/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(cfg.Development)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	logger.Info("funding source ready", zap.String("class", a.Funding.Get().Name()))
	go reloadOnHangup(ctx, a, logger)
	if err := a.Run(ctx); err != nil {
		logger.Error("api stopped", zap.Error(err))
	}
}

// reloadOnHangup re-reads the config on SIGHUP and swaps the funding source.
func reloadOnHangup(ctx context.Context, a *app.App, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load("")
			if err != nil {
				logger.Error("config reload failed", zap.Error(err))
				continue
			}
			if err := a.SwapFunding(ctx, cfg); err != nil {
				logger.Error("funding source swap failed", zap.Error(err))
			}
		}
	}
}
