package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the frame buffers of all live ingestion sessions, keyed by
// (robot_id, session_id).
type Manager struct {
	store      FrameWriter
	bufferSize int
	log        *slog.Logger

	mu      sync.Mutex
	buffers map[string]*FrameBuffer
}

// NewManager creates a manager that allocates buffers of bufferSize frames.
func NewManager(store FrameWriter, bufferSize int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:      store,
		bufferSize: bufferSize,
		log:        log,
		buffers:    make(map[string]*FrameBuffer),
	}
}

func bufferKey(sessionID int64, robotID string) string {
	return fmt.Sprintf("%s:%d", robotID, sessionID)
}

// GetOrCreate returns the buffer for a session, allocating it on first use.
func (m *Manager) GetOrCreate(sessionID int64, robotID string) *FrameBuffer {
	key := bufferKey(sessionID, robotID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if buffer, ok := m.buffers[key]; ok {
		return buffer
	}

	buffer := NewFrameBuffer(sessionID, robotID, m.bufferSize, m.store, m.log)
	m.buffers[key] = buffer
	return buffer
}

// Remove drops a session's buffer. No-op if absent.
func (m *Manager) Remove(sessionID int64, robotID string) {
	m.mu.Lock()
	delete(m.buffers, bufferKey(sessionID, robotID))
	m.mu.Unlock()
}

// ActiveCount returns the number of live buffers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// AllMetrics snapshots every live buffer's counters.
func (m *Manager) AllMetrics() []Metrics {
	m.mu.Lock()
	buffers := make([]*FrameBuffer, 0, len(m.buffers))
	for _, buffer := range m.buffers {
		buffers = append(buffers, buffer)
	}
	m.mu.Unlock()

	metrics := make([]Metrics, 0, len(buffers))
	for _, buffer := range buffers {
		metrics = append(metrics, buffer.Metrics())
	}
	return metrics
}

// FlushAll flushes every live buffer. Called on server shutdown.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.Lock()
	buffers := make([]*FrameBuffer, 0, len(m.buffers))
	for _, buffer := range m.buffers {
		buffers = append(buffers, buffer)
	}
	m.mu.Unlock()

	for _, buffer := range buffers {
		buffer.FlushAll(ctx)
	}
}
