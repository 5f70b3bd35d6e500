package main

import (
	"context"
	"log"

	"LNCustody/internal/config"
	"LNCustody/internal/db"
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
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, db.Options{})
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, logger)
	if err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
	version, err := db.CurrentVersion(ctx, pool, db.Namespace)
	if err != nil {
		logger.Fatal("read schema version failed", zap.Error(err))
	}
	logger.Info("migrations done", zap.Int("applied", applied), zap.Int("version", version))
}
