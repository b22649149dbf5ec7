package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/Joinerlee/lerobot/backend"
	"github.com/Joinerlee/lerobot/cache"
	"github.com/Joinerlee/lerobot/database"
	"github.com/Joinerlee/lerobot/logger"
	"github.com/Joinerlee/lerobot/storage"
)

func main() {
	cfg, err := backend.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if len(os.Args) > 1 && os.Args[1] == "-drop" {
		slogger.Info("dropping schema")
		if err := db.DropSchema(); err != nil {
			log.Fatalf("Failed to drop schema: %v", err)
		}
		return
	}

	if err := db.CreateSchema(); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}
	slogger.Info("database ready", "driver", db.Driver())

	ctx := context.Background()

	robotCache := cache.New(ctx, cfg.RedisURL, cfg.CacheTTL, slogger)
	defer robotCache.Close()

	store := storage.NewService(storage.Options{
		AccessKeyID:        cfg.AWSAccessKeyID,
		SecretAccessKey:    cfg.AWSSecretAccessKey,
		Region:             cfg.AWSRegion,
		Bucket:             cfg.S3BucketName,
		EndpointURL:        cfg.S3EndpointURL,
		MultipartThreshold: cfg.S3MultipartThreshold,
		MultipartChunkSize: cfg.S3MultipartChunkSize,
		BackupDir:          cfg.BackupDir,
	}, slogger)

	server := backend.NewServer(cfg, slogger, db, robotCache, store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-stop:
		slogger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slogger.Error("shutdown error", "error", err)
		}
	}
}
