// Package storage uploads and downloads session videos through one of two
// backends: S3 (multipart-capable) or the local filesystem. The backend is
// picked lazily on first use and is sticky for the process lifetime.
package storage

// Kind identifies the active backend.
type Kind string

const (
	KindS3    Kind = "s3"
	KindLocal Kind = "local"
)

// Upload statuses reported through progress snapshots.
const (
	StatusPending   = "pending"
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// UploadProgress is a snapshot delivered to the progress callback after
// each completed part (multipart) or on completion (single PUT / local).
type UploadProgress struct {
	TotalBytes     int64  `json:"total_bytes"`
	UploadedBytes  int64  `json:"uploaded_bytes"`
	PartsCompleted int    `json:"parts_completed"`
	TotalParts     int    `json:"total_parts"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Key            string `json:"key,omitempty"`
	LocalPath      string `json:"local_path,omitempty"`
}

// ProgressFunc receives upload progress snapshots. Callback panics or
// slowness are the caller's problem; the uploader invokes it inline.
type ProgressFunc func(UploadProgress)

// UploadResult is the outcome of one upload. The uploader never panics:
// every failure is reported as Success=false with Error set.
type UploadResult struct {
	Success     bool    `json:"success"`
	StorageKind Kind    `json:"storage_type"`
	Path        string  `json:"path"`
	Size        int64   `json:"size"`
	DurationMs  float64 `json:"duration_ms"`
	Error       string  `json:"error,omitempty"`
}

// HealthStatus describes the adapter for the storage-status endpoint.
type HealthStatus struct {
	Kind         Kind   `json:"type"`
	S3Configured bool   `json:"s3_configured"`
	Bucket       string `json:"bucket,omitempty"`
	Region       string `json:"region,omitempty"`
	Available    bool   `json:"available"`
	Reason       string `json:"reason,omitempty"`
}
