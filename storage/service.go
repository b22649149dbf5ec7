package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configures the storage service.
type Options struct {
	AccessKeyID        string
	SecretAccessKey    string
	Region             string
	Bucket             string
	EndpointURL        string // MinIO / LocalStack override
	MultipartThreshold int64
	MultipartChunkSize int64
	BackupDir          string
}

// s3Configured reports whether credentials and bucket are present.
func (o Options) s3Configured() bool {
	return o.AccessKeyID != "" && o.SecretAccessKey != "" && o.Bucket != ""
}

// Service routes video payloads to S3 or the local filesystem.
//
// Backend selection happens on the first call and is permanent for the
// process: if S3 is configured and the initial HeadBucket handshake
// succeeds the service stays on S3, otherwise it is demoted to local and
// the SDK is never called again.
type Service struct {
	opts Options
	log  *slog.Logger

	// connect builds the S3 client; replaced in tests.
	connect func(ctx context.Context) (s3API, error)

	mu          sync.Mutex
	initialized bool
	client      s3API // nil after demotion to local
	initReason  string
}

// NewService creates a storage service. The S3 client is not dialed until
// the first upload or download.
func NewService(opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{opts: opts, log: log.With("component", "storage")}
	s.connect = s.connectS3
	return s
}

func (s *Service) connectS3(ctx context.Context) (s3API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.opts.AccessKeyID, s.opts.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.opts.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// backend resolves the sticky backend, performing the one-time handshake.
func (s *Service) backend(ctx context.Context) (s3API, Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		if s.client != nil {
			return s.client, KindS3
		}
		return nil, KindLocal
	}
	s.initialized = true

	if !s.opts.s3Configured() {
		s.initReason = "S3 credentials not configured"
		s.log.Info("S3 not configured, using local storage", "backup_dir", s.opts.BackupDir)
		return nil, KindLocal
	}

	client, err := s.connect(ctx)
	if err == nil {
		_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	}
	if err != nil {
		// Permanent demotion: the SDK is not retried for this process.
		s.initReason = err.Error()
		s.log.Error("S3 initialization failed, falling back to local storage", "error", err)
		return nil, KindLocal
	}

	s.client = client
	s.log.Info("S3 client initialized",
		"bucket", s.opts.Bucket, "region", s.opts.Region, "endpoint", s.opts.EndpointURL)
	return client, KindS3
}

// Upload stores a video payload and reports the outcome. Failures never
// escape as errors or panics; they are folded into the result.
func (s *Service) Upload(ctx context.Context, content []byte, sessionID int64, cameraKey string, timestamp float64, progress ProgressFunc) UploadResult {
	start := time.Now()

	client, kind := s.backend(ctx)

	var result UploadResult
	if kind == KindS3 {
		result = s.uploadToS3(ctx, client, content, sessionID, cameraKey, timestamp, progress)
	} else {
		result = s.uploadToLocal(content, sessionID, cameraKey, timestamp, progress)
	}

	result.Size = int64(len(content))
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	s.log.Info("video upload finished",
		"session_id", sessionID,
		"camera_key", cameraKey,
		"storage_type", result.StorageKind,
		"size_kb", float64(len(content))/1024,
		"duration_ms", result.DurationMs,
		"success", result.Success)
	return result
}

// Health reports the active backend and, for S3, whether the bucket is
// reachable right now.
func (s *Service) Health(ctx context.Context) HealthStatus {
	client, kind := s.backend(ctx)

	status := HealthStatus{
		Kind:         kind,
		S3Configured: s.opts.s3Configured(),
	}
	if kind == KindLocal {
		status.Available = true
		status.Reason = s.initReason
		return status
	}

	status.Bucket = s.opts.Bucket
	status.Region = s.opts.Region
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)}); err != nil {
		status.Reason = err.Error()
		return status
	}
	status.Available = true
	return status
}
