// Package merge fuses the frames of a recorded session with its camera
// videos into a single-episode replay dataset.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Joinerlee/lerobot/database"
)

// Config is one merge run.
type Config struct {
	SessionID          int64
	RepoID             string
	OutputDir          string
	FPS                int     // fallback when the session has none
	MaxTimestampDiffMs float64 // tolerance for index-based matching
	CameraKeys         []string
	DownloadTempDir    string
}

// Result reports the outcome. PartialOutput is true when at least one
// frame was appended before a failure; the caller decides whether the
// output directory survives.
type Result struct {
	Success       bool     `json:"success"`
	TotalFrames   int      `json:"total_frames"`
	MatchedFrames int      `json:"matched_frames"`
	SkippedFrames int      `json:"skipped_frames"`
	Cameras       []string `json:"cameras"`
	OutputPath    string   `json:"output_path"`
	DurationSec   float64  `json:"duration_sec"`
	Error         string   `json:"error,omitempty"`
	PartialOutput bool     `json:"-"`
}

// Store is the slice of the frame store the merge needs.
type Store interface {
	GetSession(ctx context.Context, sessionID int64) (*database.Session, error)
	ListFrames(ctx context.Context, sessionID int64) ([]*database.Frame, error)
	ListVideoChunks(ctx context.Context, sessionID int64, cameraKeys []string) ([]*database.VideoChunk, error)
}

// Downloader localizes a stored video URI. The storage service satisfies
// it for both s3:// and local paths.
type Downloader interface {
	Download(ctx context.Context, uri, destDir string) (string, error)
}

// Engine runs merges. Open and NewWriter default to the ffmpeg source and
// the local dataset writer.
type Engine struct {
	store      Store
	downloader Downloader
	log        *slog.Logger

	Open      SourceOpener
	NewWriter WriterFactory
}

func NewEngine(store Store, downloader Downloader, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      store,
		downloader: downloader,
		log:        log.With("component", "merge"),
		Open:       OpenVideo,
		NewWriter:  NewLocalEpisodeWriter,
	}
}

// cameraSource is one prepared camera: its first chunk and an open
// frame-seek handle.
type cameraSource struct {
	key    string
	chunk  *database.VideoChunk
	source FrameSource
}

// Run executes the merge pipeline for cfg.
func (e *Engine) Run(ctx context.Context, cfg Config) Result {
	start := time.Now()
	result := e.run(ctx, cfg)
	result.DurationSec = time.Since(start).Seconds()
	return result
}

func (e *Engine) run(ctx context.Context, cfg Config) Result {
	log := e.log.With("session_id", cfg.SessionID, "repo_id", cfg.RepoID)

	session, err := e.store.GetSession(ctx, cfg.SessionID)
	if err != nil {
		return failure("load session: %v", err)
	}
	if session == nil {
		return failure("session %d not found", cfg.SessionID)
	}

	frames, err := e.store.ListFrames(ctx, cfg.SessionID)
	if err != nil {
		return failure("load frames: %v", err)
	}
	if len(frames) == 0 {
		return failure("session %d has no frames", cfg.SessionID)
	}

	chunks, err := e.store.ListVideoChunks(ctx, cfg.SessionID, cfg.CameraKeys)
	if err != nil {
		return failure("load video chunks: %v", err)
	}

	cameras := e.prepareCameras(ctx, cfg, chunks, log)
	defer func() {
		for _, cam := range cameras {
			cam.source.Close()
		}
	}()

	fps := session.FPS
	if fps <= 0 {
		fps = cfg.FPS
	}

	features := Features{
		ObservationNames: subMapKeys(frames[0].Data, "observation"),
		ActionNames:      subMapKeys(frames[0].Data, "action"),
		RobotType:        session.RobotID,
	}

	writer, err := e.NewWriter(cfg.OutputDir, cfg.RepoID, features, fps)
	if err != nil {
		return failure("open dataset writer: %v", err)
	}

	result := Result{TotalFrames: len(frames)}
	usedCameras := make(map[string]bool)

	for _, frame := range frames {
		frameTS := float64(frame.Timestamp.UnixMilli()) / 1000

		images := make(map[string]*Image)
		for _, cam := range cameras {
			img := e.decodeAt(ctx, cam, frameTS, log)
			if img != nil {
				images[cam.key] = img
				usedCameras[cam.key] = true
			}
		}

		if len(images) > 0 {
			result.MatchedFrames++
		} else {
			result.SkippedFrames++
		}

		record := EpisodeFrame{
			Index:     frame.FrameIndex,
			Timestamp: frameTS,
			State:     vectorFrom(frame.Data, "observation", features.ObservationNames),
			Action:    vectorFrom(frame.Data, "action", features.ActionNames),
			Images:    images,
		}
		if err := writer.Append(record); err != nil {
			result.PartialOutput = result.MatchedFrames+result.SkippedFrames > 1
			result.Error = fmt.Sprintf("append frame %d: %v", frame.FrameIndex, err)
			return result
		}
	}

	outputPath, err := writer.Finalize()
	if err != nil {
		result.PartialOutput = true
		result.Error = fmt.Sprintf("finalize dataset: %v", err)
		return result
	}

	result.Success = true
	result.OutputPath = outputPath
	result.Cameras = sortedKeys(usedCameras)

	log.Info("merge completed",
		"total_frames", result.TotalFrames,
		"matched_frames", result.MatchedFrames,
		"skipped_frames", result.SkippedFrames,
		"cameras", result.Cameras,
		"output", outputPath)
	return result
}

// prepareCameras opens one source per distinct camera using its first
// chunk. Per-camera failures drop the camera, never the merge.
func (e *Engine) prepareCameras(ctx context.Context, cfg Config, chunks []*database.VideoChunk, log *slog.Logger) []cameraSource {
	tempDir := cfg.DownloadTempDir
	if tempDir == "" {
		tempDir = cfg.OutputDir
	}

	var cameras []cameraSource
	seen := make(map[string]bool)
	for _, chunk := range chunks {
		if seen[chunk.CameraKey] {
			continue
		}
		seen[chunk.CameraKey] = true

		localPath, err := e.downloader.Download(ctx, chunk.FilePath, tempDir)
		if err != nil {
			log.Warn("camera dropped: video download failed",
				"camera_key", chunk.CameraKey, "uri", chunk.FilePath, "error", err)
			continue
		}

		source, err := e.Open(ctx, localPath)
		if err != nil {
			log.Warn("camera dropped: video open failed",
				"camera_key", chunk.CameraKey, "path", localPath, "error", err)
			continue
		}

		meta := source.Meta()
		log.Info("camera prepared",
			"camera_key", chunk.CameraKey,
			"fps", meta.FPS,
			"frames", meta.FrameCount,
			"duration_sec", meta.Duration)
		cameras = append(cameras, cameraSource{key: chunk.CameraKey, chunk: chunk, source: source})
	}
	return cameras
}

// decodeAt maps a frame timestamp into the chunk's timeline and decodes
// the nearest video frame, or nil when out of range or undecodable.
func (e *Engine) decodeAt(ctx context.Context, cam cameraSource, frameTS float64, log *slog.Logger) *Image {
	meta := cam.source.Meta()

	relative := frameTS - cam.chunk.StartTimestamp
	if relative < 0 || relative > meta.Duration {
		return nil
	}

	frameNumber := int64(relative * meta.FPS)
	if frameNumber >= meta.FrameCount {
		frameNumber = meta.FrameCount - 1
	}

	img, err := cam.source.FrameAt(ctx, frameNumber)
	if err != nil {
		log.Warn("frame decode failed", "camera_key", cam.key, "frame", frameNumber, "error", err)
		return nil
	}
	return img
}

func failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// subMapKeys returns the sorted key names of data[field] when it is an
// object. Sorting keeps the feature layout deterministic across runs;
// JSON object order does not survive decoding.
func subMapKeys(data map[string]any, field string) []string {
	sub, ok := data[field].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(sub))
	for key := range sub {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// vectorFrom flattens data[field] into a float32 vector in names order.
// Missing or non-numeric entries become 0.
func vectorFrom(data map[string]any, field string, names []string) []float32 {
	sub, _ := data[field].(map[string]any)
	vector := make([]float32, len(names))
	for i, name := range names {
		if v, ok := sub[name].(float64); ok {
			vector[i] = float32(v)
		}
	}
	return vector
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
