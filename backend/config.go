package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all backend configuration loaded from environment.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000"`

	// Database. sqlite file by default, postgres://... for network SQL.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://lerobot_teleop.db"`

	// Redis (optional). Empty means in-process cache fallback.
	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// S3 video storage. Local fallback is used when credentials or bucket
	// are missing, or the initial handshake fails.
	AWSAccessKeyID       string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey   string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion            string `env:"AWS_REGION" envDefault:"ap-northeast-2"`
	S3BucketName         string `env:"S3_BUCKET_NAME" envDefault:"lerobot-teleoperation-data"`
	S3EndpointURL        string `env:"S3_ENDPOINT_URL"`
	S3MultipartThreshold int64  `env:"S3_MULTIPART_THRESHOLD" envDefault:"8388608"`
	S3MultipartChunkSize int64  `env:"S3_MULTIPART_CHUNK_SIZE" envDefault:"8388608"`

	// Video upload validation.
	VideoAllowedExtensions []string `env:"VIDEO_ALLOWED_EXTENSIONS" envSeparator:"," envDefault:"mp4,avi,mov,webm"`
	VideoMaxSizeMB         int64    `env:"VIDEO_MAX_SIZE_MB" envDefault:"500"`

	// Local file storage root (videos, sidecar dataset uploads).
	BackupDir string `env:"BACKUP_DIR" envDefault:"./lerobot_backup"`

	// Ingestion buffer size: 60 frames ≈ 1 second at 60 Hz.
	WSBufferSize int `env:"WS_BUFFER_SIZE" envDefault:"60"`

	// API key. Empty disables authentication.
	APIKey string `env:"API_KEY"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig loads and validates configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	var errs []string
	if cfg.WSBufferSize <= 0 {
		errs = append(errs, fmt.Sprintf("WS_BUFFER_SIZE must be positive, got %d", cfg.WSBufferSize))
	}
	if cfg.S3MultipartThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("S3_MULTIPART_THRESHOLD must be positive, got %d", cfg.S3MultipartThreshold))
	}
	if cfg.S3MultipartChunkSize <= 0 {
		errs = append(errs, fmt.Sprintf("S3_MULTIPART_CHUNK_SIZE must be positive, got %d", cfg.S3MultipartChunkSize))
	}
	if cfg.VideoMaxSizeMB <= 0 {
		errs = append(errs, fmt.Sprintf("VIDEO_MAX_SIZE_MB must be positive, got %d", cfg.VideoMaxSizeMB))
	}
	if cfg.CacheTTL <= 0 {
		errs = append(errs, fmt.Sprintf("CACHE_TTL must be positive, got %s", cfg.CacheTTL))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// VideoMaxSizeBytes returns the upload size limit in bytes.
func (c *Config) VideoMaxSizeBytes() int64 {
	return c.VideoMaxSizeMB * 1024 * 1024
}

// ExtensionAllowed reports whether ext (without dot, any case) is an
// accepted video extension.
func (c *Config) ExtensionAllowed(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range c.VideoAllowedExtensions {
		if strings.EqualFold(strings.TrimSpace(allowed), ext) {
			return true
		}
	}
	return false
}
