package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client the service uses. *s3.Client
// satisfies it; tests substitute a fake.
type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

const videoContentType = "video/mp4"

// objectKey builds sessions/{session_id}/{camera_key}_{floor(ts)}.mp4.
func objectKey(sessionID int64, cameraKey string, timestamp float64) string {
	return fmt.Sprintf("sessions/%d/%s_%d.mp4", sessionID, cameraKey, int64(timestamp))
}

func (s *Service) uploadToS3(ctx context.Context, client s3API, content []byte, sessionID int64, cameraKey string, timestamp float64, progress ProgressFunc) UploadResult {
	key := objectKey(sessionID, cameraKey, timestamp)
	size := int64(len(content))

	snapshot := UploadProgress{
		TotalBytes: size,
		Status:     StatusUploading,
		Key:        key,
	}

	var err error
	if size < s.opts.MultipartThreshold {
		err = s.singlePut(ctx, client, key, content, &snapshot, progress)
	} else {
		err = s.multipartUpload(ctx, client, key, content, &snapshot, progress)
	}

	if err != nil {
		s.log.Error("S3 upload failed", "key", key, "error", err)
		snapshot.Status = StatusFailed
		snapshot.Error = err.Error()
		emit(progress, snapshot)
		return UploadResult{StorageKind: KindS3, Error: err.Error()}
	}

	return UploadResult{
		Success:     true,
		StorageKind: KindS3,
		Path:        fmt.Sprintf("s3://%s/%s", s.opts.Bucket, key),
	}
}

func (s *Service) singlePut(ctx context.Context, client s3API, key string, content []byte, snapshot *UploadProgress, progress ProgressFunc) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(videoContentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	snapshot.UploadedBytes = snapshot.TotalBytes
	snapshot.Status = StatusCompleted
	emit(progress, *snapshot)
	return nil
}

func (s *Service) multipartUpload(ctx context.Context, client s3API, key string, content []byte, snapshot *UploadProgress, progress ProgressFunc) error {
	size := int64(len(content))
	chunkSize := s.opts.MultipartChunkSize
	numParts := int((size + chunkSize - 1) / chunkSize)
	snapshot.TotalParts = numParts

	created, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(videoContentType),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	parts := make([]types.CompletedPart, 0, numParts)
	for partNum := 1; partNum <= numParts; partNum++ {
		start := int64(partNum-1) * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}

		out, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.opts.Bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(int32(partNum)),
			Body:       bytes.NewReader(content[start:end]),
		})
		if err != nil {
			s.abortMultipart(ctx, client, key, uploadID)
			return fmt.Errorf("upload part %d: %w", partNum, err)
		}

		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(int32(partNum)),
		})

		snapshot.UploadedBytes = end
		snapshot.PartsCompleted = partNum
		emit(progress, *snapshot)
	}

	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.opts.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abortMultipart(ctx, client, key, uploadID)
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	snapshot.Status = StatusCompleted
	emit(progress, *snapshot)
	return nil
}

// abortMultipart is best effort; the original error wins.
func (s *Service) abortMultipart(ctx context.Context, client s3API, key string, uploadID *string) {
	_, err := client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.opts.Bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		s.log.Warn("abort multipart upload failed", "key", key, "error", err)
	}
}

// Download fetches a stored video to a local file. s3:// URIs go through
// the S3 backend; anything else is treated as a local path and returned
// after an existence check.
func (s *Service) Download(ctx context.Context, uri, destDir string) (string, error) {
	if !strings.HasPrefix(uri, "s3://") {
		if _, err := os.Stat(uri); err != nil {
			return "", fmt.Errorf("local video not found: %w", err)
		}
		return uri, nil
	}

	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return "", err
	}

	client, kind := s.backend(ctx)
	if kind != KindS3 {
		return "", fmt.Errorf("S3 backend unavailable for %s: %s", uri, s.initReason)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", uri, err)
	}
	defer out.Body.Close()

	localPath := filepath.Join(destDir, filepath.Base(key))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("download %s: %w", uri, err)
	}
	return localPath, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri: %s", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func emit(progress ProgressFunc, snapshot UploadProgress) {
	if progress != nil {
		progress(snapshot)
	}
}
