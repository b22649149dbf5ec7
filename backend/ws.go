package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Joinerlee/lerobot/database"
	"github.com/Joinerlee/lerobot/telemetry"
)

// Sessions record this rate unless the client negotiates another one.
const defaultSessionFPS = 60

// Application close codes sent before dropping an unauthenticated stream.
const (
	closeCodeKeyRequired = 4001
	closeCodeKeyInvalid  = 4003
)

// handleTelemetryWS upgrades /ws/log/{robot_id} and runs the ingestion
// session until the stream closes.
func (s *Server) handleTelemetryWS(w http.ResponseWriter, req *http.Request) {
	robotID := strings.TrimPrefix(req.URL.Path, "/ws/log/")
	if robotID == "" || strings.Contains(robotID, "/") {
		http.Error(w, "Invalid path. Expected /ws/log/{robot_id}", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	if !s.authorizeStream(conn, req) {
		return
	}

	s.runIngestion(req.Context(), conn, robotID)
}

// authorizeStream enforces the API key after the upgrade so the client
// receives a proper close code instead of a failed handshake.
func (s *Server) authorizeStream(conn *websocket.Conn, req *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}

	key := req.Header.Get("X-API-Key")
	if key == "" {
		key = req.URL.Query().Get("api_key")
	}

	switch {
	case key == "":
		closeStream(conn, closeCodeKeyRequired, "API Key required")
		return false
	case key != s.cfg.APIKey:
		s.log.Warn("stream rejected: invalid API key", "remote", req.RemoteAddr)
		closeStream(conn, closeCodeKeyInvalid, "Invalid API Key")
		return false
	}
	return true
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// runIngestion owns one live stream: session row, frame buffer, cache
// presence, and the teardown path.
func (s *Server) runIngestion(ctx context.Context, conn *websocket.Conn, robotID string) {
	log := s.log.With("robot_id", robotID, "remote", conn.RemoteAddr().String())

	if err := s.db.UpsertRobot(ctx, robotID, database.RobotStatusOnline); err != nil {
		log.Error("robot upsert failed, closing stream", "error", err)
		closeStream(conn, websocket.CloseInternalServerErr, "store unavailable")
		return
	}

	sessionID, err := s.db.CreateSession(ctx, robotID, defaultSessionFPS, nil)
	if err != nil {
		log.Error("session create failed, closing stream", "error", err)
		closeStream(conn, websocket.CloseInternalServerErr, "store unavailable")
		return
	}
	log = log.With("session_id", sessionID)

	buffer := s.manager.GetOrCreate(sessionID, robotID)
	s.registry.Connect(conn)
	defer s.registry.Disconnect(conn)

	s.refreshPresence(ctx, robotID, sessionID)
	log.Info("ingestion session opened", "buffer_size", buffer.Size())

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("stream closed abnormally", "error", err)
			}
			break
		}

		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed frames are dropped; the stream stays open.
			log.Warn("malformed frame dropped", "error", err)
			continue
		}

		frameIndex, okIndex := numberField(msg, "frame_index")
		timestamp, okTS := numberField(msg, "timestamp")
		if !okIndex || !okTS {
			log.Warn("frame missing frame_index or timestamp, dropped")
			continue
		}

		if buffer.Add(ctx, int64(frameIndex), timestamp, msg) {
			s.refreshPresence(ctx, robotID, sessionID)
		}
	}

	s.closeIngestion(buffer, log, robotID, sessionID)
}

// closeIngestion is the graceful teardown: residual flush, metrics,
// session end, cache invalidation. Runs on its own context so a canceled
// request context cannot lose the final batch.
func (s *Server) closeIngestion(buffer *telemetry.FrameBuffer, log *slog.Logger, robotID string, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	buffer.FlushAll(ctx)

	m := buffer.Metrics()
	log.Info("ingestion session closed",
		"total_frames", m.TotalFrames,
		"dropped_frames", m.DroppedFrames,
		"flush_count", m.FlushCount,
		"p50_processing_ms", m.P50ProcessingMs,
		"p95_processing_ms", m.P95ProcessingMs)

	if err := s.db.EndSession(ctx, sessionID, m.TotalFrames); err != nil {
		log.Error("session end update failed", "error", err)
	}
	if _, err := s.cache.InvalidateSession(ctx, sessionID); err != nil {
		log.Warn("cache session invalidation failed", "error", err)
	}
	if err := s.db.SetRobotStatus(ctx, robotID, database.RobotStatusOffline); err != nil {
		log.Warn("robot status update failed", "error", err)
	}
	s.manager.Remove(sessionID, robotID)
}

// refreshPresence is best effort; cache failures never touch the stream.
func (s *Server) refreshPresence(ctx context.Context, robotID string, sessionID int64) {
	status := map[string]any{"status": database.RobotStatusOnline}
	if err := s.cache.Update(ctx, robotID, status, sessionID, 0); err != nil {
		s.log.Warn("cache presence refresh failed", "robot_id", robotID, "error", err)
	}
}

// numberField reads a JSON number out of a decoded message.
func numberField(msg map[string]any, key string) (float64, bool) {
	v, ok := msg[key].(float64)
	return v, ok
}
