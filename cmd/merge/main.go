// Command merge fuses one recorded session with its camera videos into a
// replay dataset on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/joho/godotenv/autoload"

	"github.com/Joinerlee/lerobot/backend"
	"github.com/Joinerlee/lerobot/database"
	"github.com/Joinerlee/lerobot/logger"
	"github.com/Joinerlee/lerobot/merge"
	"github.com/Joinerlee/lerobot/storage"
)

func main() {
	sessionID := flag.Int64("session_id", 0, "session to merge (required)")
	repoID := flag.String("repo_id", "", "dataset repository id (required)")
	output := flag.String("output", "./datasets", "output directory")
	cameras := flag.String("cameras", "", "comma-separated camera keys (default: all)")
	fps := flag.Int("fps", 60, "fallback fps when the session has none")
	maxDiffMs := flag.Float64("max-diff-ms", 50, "timestamp match tolerance in milliseconds")
	flag.Parse()

	if *sessionID == 0 || *repoID == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	var cameraKeys []string
	if *cameras != "" {
		for _, key := range strings.Split(*cameras, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cameraKeys = append(cameraKeys, key)
			}
		}
	}

	tempDir, err := os.MkdirTemp("", "merge-videos-")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	engine := merge.NewEngine(db, store, slogger)
	result := engine.Run(context.Background(), merge.Config{
		SessionID:          *sessionID,
		RepoID:             *repoID,
		OutputDir:          *output,
		FPS:                *fps,
		MaxTimestampDiffMs: *maxDiffMs,
		CameraKeys:         cameraKeys,
		DownloadTempDir:    tempDir,
	})

	if !result.Success {
		// A half-written episode is worse than none.
		if result.PartialOutput {
			outputRoot := filepath.Join(*output, *repoID)
			slogger.Warn("removing partial dataset output", "path", outputRoot)
			os.RemoveAll(outputRoot)
		}
		log.Fatalf("Merge failed: %s", result.Error)
	}

	fmt.Printf("Merge completed in %.1fs\n", result.DurationSec)
	fmt.Printf("  output:   %s\n", result.OutputPath)
	fmt.Printf("  frames:   %d total, %d matched, %d skipped\n",
		result.TotalFrames, result.MatchedFrames, result.SkippedFrames)
	fmt.Printf("  cameras:  %s\n", strings.Join(result.Cameras, ", "))
}
