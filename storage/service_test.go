package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records every SDK call.
type fakeS3 struct {
	headErr     error
	putErr      error
	partErr     map[int32]error
	completeErr error

	headCalls     int
	putCalls      int
	createCalls   int
	partCalls     []int32
	partSizes     []int
	completeCalls int
	completed     []int32
	abortCalls    int
	objects       map[string][]byte
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.headCalls++
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putCalls++
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.createCalls++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	part := aws.ToInt32(in.PartNumber)
	if err := f.partErr[part]; err != nil {
		return nil, err
	}
	body, _ := io.ReadAll(in.Body)
	f.partCalls = append(f.partCalls, part)
	f.partSizes = append(f.partSizes, len(body))
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", part))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	for _, part := range in.MultipartUpload.Parts {
		f.completed = append(f.completed, aws.ToInt32(part.PartNumber))
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.abortCalls++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newS3Service(t *testing.T, fake *fakeS3, opts Options) *Service {
	t.Helper()
	if opts.AccessKeyID == "" {
		opts.AccessKeyID = "key"
		opts.SecretAccessKey = "secret"
		opts.Bucket = "bucket"
		opts.Region = "ap-northeast-2"
	}
	if opts.MultipartThreshold == 0 {
		opts.MultipartThreshold = 8 * 1024 * 1024
	}
	if opts.MultipartChunkSize == 0 {
		opts.MultipartChunkSize = 8 * 1024 * 1024
	}
	svc := NewService(opts, nil)
	svc.connect = func(context.Context) (s3API, error) { return fake, nil }
	return svc
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "sessions/7/laptop_1700000000.mp4", objectKey(7, "laptop", 1700000000.9))
}

func TestUploadSinglePutBelowThreshold(t *testing.T) {
	fake := &fakeS3{}
	svc := newS3Service(t, fake, Options{})

	content := make([]byte, 1024)
	var snapshots []UploadProgress
	result := svc.Upload(context.Background(), content, 1, "cam", 1700000000, func(p UploadProgress) {
		snapshots = append(snapshots, p)
	})

	require.True(t, result.Success)
	assert.Equal(t, KindS3, result.StorageKind)
	assert.Equal(t, "s3://bucket/sessions/1/cam_1700000000.mp4", result.Path)
	assert.Equal(t, int64(1024), result.Size)
	assert.Equal(t, 1, fake.putCalls)
	assert.Equal(t, 0, fake.createCalls)
	require.Len(t, snapshots, 1)
	assert.Equal(t, StatusCompleted, snapshots[0].Status)
}

// 10 MiB with threshold 8 MiB and chunk 4 MiB: 1 create + 3 parts + 1
// complete, part numbers in order 1..3.
func TestUploadMultipartPartAccounting(t *testing.T) {
	fake := &fakeS3{}
	svc := newS3Service(t, fake, Options{
		AccessKeyID:        "key",
		SecretAccessKey:    "secret",
		Bucket:             "bucket",
		Region:             "ap-northeast-2",
		MultipartThreshold: 8 * 1024 * 1024,
		MultipartChunkSize: 4 * 1024 * 1024,
	})

	content := make([]byte, 10*1024*1024)
	var snapshots []UploadProgress
	result := svc.Upload(context.Background(), content, 42, "cam", 1700000000, func(p UploadProgress) {
		snapshots = append(snapshots, p)
	})

	require.True(t, result.Success)
	assert.Equal(t, "s3://bucket/sessions/42/cam_1700000000.mp4", result.Path)
	assert.Equal(t, 1, fake.createCalls)
	assert.Equal(t, []int32{1, 2, 3}, fake.partCalls)
	assert.Equal(t, []int{4 * 1024 * 1024, 4 * 1024 * 1024, 2 * 1024 * 1024}, fake.partSizes)
	assert.Equal(t, 1, fake.completeCalls)
	assert.Equal(t, []int32{1, 2, 3}, fake.completed)
	assert.Equal(t, 0, fake.putCalls)
	assert.Equal(t, 0, fake.abortCalls)

	// One snapshot per part plus the completion snapshot.
	require.Len(t, snapshots, 4)
	assert.Equal(t, 3, snapshots[2].PartsCompleted)
	assert.Equal(t, StatusCompleted, snapshots[3].Status)
}

func TestUploadMultipartAbortsOnPartFailure(t *testing.T) {
	fake := &fakeS3{partErr: map[int32]error{2: errors.New("part 2 refused")}}
	svc := newS3Service(t, fake, Options{
		AccessKeyID:        "key",
		SecretAccessKey:    "secret",
		Bucket:             "bucket",
		MultipartThreshold: 1024,
		MultipartChunkSize: 1024,
	})

	result := svc.Upload(context.Background(), make([]byte, 3000), 1, "cam", 0, nil)

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "part 2")
	assert.Equal(t, 1, fake.abortCalls)
	assert.Equal(t, 0, fake.completeCalls)
}

func TestBackendStickyLocalAfterHandshakeFailure(t *testing.T) {
	fake := &fakeS3{headErr: errors.New("access denied")}
	svc := newS3Service(t, fake, Options{})
	svc.opts.BackupDir = t.TempDir()

	connects := 0
	inner := svc.connect
	svc.connect = func(ctx context.Context) (s3API, error) {
		connects++
		return inner(ctx)
	}

	first := svc.Upload(context.Background(), []byte("a"), 1, "cam", 100, nil)
	require.True(t, first.Success)
	assert.Equal(t, KindLocal, first.StorageKind)
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, fake.headCalls)

	// Demotion is permanent: the SDK is never touched again.
	second := svc.Upload(context.Background(), []byte("b"), 1, "cam", 101, nil)
	require.True(t, second.Success)
	assert.Equal(t, KindLocal, second.StorageKind)
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, fake.headCalls)

	health := svc.Health(context.Background())
	assert.Equal(t, KindLocal, health.Kind)
	assert.True(t, health.S3Configured)
	assert.Contains(t, health.Reason, "access denied")
}

func TestUploadLocalFallbackWhenUnconfigured(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Options{BackupDir: dir, MultipartThreshold: 1, MultipartChunkSize: 1}, nil)

	var snapshots []UploadProgress
	result := svc.Upload(context.Background(), []byte("video-bytes"), 3, "laptop", 1700000123.7, func(p UploadProgress) {
		snapshots = append(snapshots, p)
	})

	require.True(t, result.Success)
	assert.Equal(t, KindLocal, result.StorageKind)
	expected := filepath.Join(dir, "videos", "3_laptop_1700000123.mp4")
	assert.Equal(t, expected, result.Path)

	data, err := os.ReadFile(expected)
	require.NoError(t, err)
	assert.Equal(t, []byte("video-bytes"), data)

	require.Len(t, snapshots, 1)
	assert.Equal(t, StatusCompleted, snapshots[0].Status)
}

func TestDownloadLocalAndS3(t *testing.T) {
	dir := t.TempDir()
	localFile := filepath.Join(dir, "local.mp4")
	require.NoError(t, os.WriteFile(localFile, []byte("x"), 0o644))

	fake := &fakeS3{objects: map[string][]byte{
		"sessions/1/cam_100.mp4": []byte("remote-bytes"),
	}}
	svc := newS3Service(t, fake, Options{})

	// Local path passes through untouched.
	got, err := svc.Download(context.Background(), localFile, dir)
	require.NoError(t, err)
	assert.Equal(t, localFile, got)

	_, err = svc.Download(context.Background(), filepath.Join(dir, "missing.mp4"), dir)
	assert.Error(t, err)

	// S3 URI downloads into destDir.
	got, err = svc.Download(context.Background(), "s3://bucket/sessions/1/cam_100.mp4", dir)
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote-bytes"), data)
	assert.Equal(t, filepath.Join(dir, "cam_100.mp4"), got)
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://my-bucket/sessions/1/cam_1.mp4")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "sessions/1/cam_1.mp4", key)

	_, _, err = parseS3URI("http://bucket/key")
	assert.Error(t, err)
}
