// Package telemetry implements the ingestion hot path: per-session frame
// buffers that amortize database cost through batch commits.
package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Joinerlee/lerobot/database"
)

// FrameWriter is the slice of the frame store the buffer needs.
type FrameWriter interface {
	InsertFrames(ctx context.Context, frames []database.Frame) error
}

// FrameBuffer accumulates frames for one session and flushes them to the
// store in batches of its configured size. The flush happens synchronously
// in the appending path, so a slow store applies back-pressure to the
// stream instead of growing memory.
type FrameBuffer struct {
	sessionID int64
	robotID   string
	size      int
	store     FrameWriter
	log       *slog.Logger

	mu            sync.Mutex
	pending       []database.Frame
	totalFrames   int64
	flushCount    int64
	droppedFrames int64
	timings       *durationRing
}

// NewFrameBuffer creates a buffer for one (session, robot) pair.
func NewFrameBuffer(sessionID int64, robotID string, size int, store FrameWriter, log *slog.Logger) *FrameBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &FrameBuffer{
		sessionID: sessionID,
		robotID:   robotID,
		size:      size,
		store:     store,
		log:       log.With("session_id", sessionID, "robot_id", robotID),
		pending:   make([]database.Frame, 0, size),
		timings:   newDurationRing(1000),
	}
}

// Size returns the configured batch size.
func (b *FrameBuffer) Size() int {
	return b.size
}

// Add appends one frame and flushes when the batch size is reached.
// Returns true when a flush happened. A failed flush drops the batch and
// is logged; ingestion continues.
func (b *FrameBuffer) Add(ctx context.Context, frameIndex int64, timestamp float64, data map[string]any) bool {
	start := time.Now()

	frame := database.Frame{
		SessionID:  b.sessionID,
		RobotID:    b.robotID,
		FrameIndex: frameIndex,
		Timestamp:  unixFloatToTime(timestamp),
		Data:       data,
	}

	b.mu.Lock()
	b.pending = append(b.pending, frame)
	flushed := false
	if len(b.pending) >= b.size {
		b.flushLocked(ctx)
		flushed = true
	}
	b.mu.Unlock()

	b.timings.record(time.Since(start))
	return flushed
}

// FlushAll writes any residual frames. Called on stream close.
func (b *FrameBuffer) FlushAll(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return 0
	}
	return b.flushLocked(ctx)
}

// flushLocked drains the buffer and commits it in one round trip.
// Callers must hold b.mu.
func (b *FrameBuffer) flushLocked(ctx context.Context) int {
	batch := b.pending
	b.pending = make([]database.Frame, 0, b.size)

	flushStart := time.Now()
	if err := b.store.InsertFrames(ctx, batch); err != nil {
		// At-least-once within a live connection: the batch is lost,
		// the stream keeps going.
		b.droppedFrames += int64(len(batch))
		b.log.Warn("frame batch commit failed, batch dropped",
			"batch_count", len(batch), "error", err)
		return 0
	}

	b.totalFrames += int64(len(batch))
	b.flushCount++
	b.log.Debug("frame batch committed",
		"batch_count", len(batch),
		"total_frames", b.totalFrames,
		"flush_ms", float64(time.Since(flushStart).Microseconds())/1000)
	return len(batch)
}

// Metrics is a snapshot of a buffer's counters.
type Metrics struct {
	SessionID       int64   `json:"session_id"`
	RobotID         string  `json:"robot_id"`
	TotalFrames     int64   `json:"total_frames"`
	PendingFrames   int     `json:"pending_frames"`
	FlushCount      int64   `json:"flush_count"`
	DroppedFrames   int64   `json:"dropped_frames"`
	AvgProcessingMs float64 `json:"avg_processing_time_ms"`
	P50ProcessingMs float64 `json:"p50_processing_time_ms"`
	P95ProcessingMs float64 `json:"p95_processing_time_ms"`
}

// Metrics returns current counters and per-append latency percentiles.
func (b *FrameBuffer) Metrics() Metrics {
	b.mu.Lock()
	m := Metrics{
		SessionID:     b.sessionID,
		RobotID:       b.robotID,
		TotalFrames:   b.totalFrames,
		PendingFrames: len(b.pending),
		FlushCount:    b.flushCount,
		DroppedFrames: b.droppedFrames,
	}
	b.mu.Unlock()

	m.AvgProcessingMs = round3(b.timings.avg())
	m.P50ProcessingMs = round3(b.timings.percentile(0.50))
	m.P95ProcessingMs = round3(b.timings.percentile(0.95))
	return m
}

// TotalFrames returns the number of frames committed so far.
func (b *FrameBuffer) TotalFrames() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalFrames
}

func unixFloatToTime(seconds float64) time.Time {
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
