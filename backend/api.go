package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Joinerlee/lerobot/database"
)

type ctxKey int

const requestIDKey ctxKey = 0

// requestID returns the id attached by the middleware, or "" outside it.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware propagates X-Request-ID or generates one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// authMiddleware enforces X-API-Key on everything except health endpoints
// and the websocket path (the stream does its own close-code handshake).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" ||
			strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid API Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the envelope for every surfaced API error.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.RequestID = requestID(r.Context())
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleHealthReady fails when the frame store is unreachable; the cache
// and object store degrade internally and do not gate readiness.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "not_ready", "database unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealthDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbHealthy := s.db.Ping(ctx) == nil
	detail := map[string]any{
		"database": map[string]any{
			"driver":  s.db.Driver(),
			"healthy": dbHealthy,
		},
		"cache":           s.cache.Health(ctx),
		"storage":         s.store.Health(ctx),
		"connections":     s.registry.Count(),
		"active_sessions": s.manager.ActiveCount(),
		"session_metrics": s.manager.AllMetrics(),
	}
	writeJSON(w, http.StatusOK, detail)
}

type robotView struct {
	RobotID       string         `json:"robot_id"`
	Name          string         `json:"name,omitempty"`
	RobotType     string         `json:"robot_type,omitempty"`
	Status        string         `json:"status"`
	LastHeartbeat *float64       `json:"last_heartbeat,omitempty"`
	Live          map[string]any `json:"live_status,omitempty"`
	SessionID     int64          `json:"session_id,omitempty"`
}

// handleRobots lists registered robots, overlaying cached presence: a
// robot with a live cache entry is online regardless of its stored row.
func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	ctx := r.Context()

	robots, err := s.db.ListRobots(ctx)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	online := map[string]int64{}
	if entries, err := s.cache.OnlineStatuses(ctx); err == nil {
		for _, entry := range entries {
			online[entry.RobotID] = entry.SessionID
		}
	}

	views := make([]robotView, 0, len(robots))
	for _, robot := range robots {
		view := robotView{
			RobotID:   robot.ID,
			Name:      robot.Name,
			RobotType: robot.RobotType,
			Status:    robot.Status,
		}
		if robot.LastHeartbeat != nil {
			hb := float64(robot.LastHeartbeat.UnixMilli()) / 1000
			view.LastHeartbeat = &hb
		}
		if sessionID, ok := online[robot.ID]; ok {
			view.Status = "online"
			view.SessionID = sessionID
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"robots": views, "count": len(views)})
}

// handleRobotStatus serves /robots/{id}/status: cache first, store second.
func (s *Server) handleRobotStatus(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/robots/")
	robotID, ok := strings.CutSuffix(path, "/status")
	if !ok || robotID == "" || strings.Contains(robotID, "/") {
		writeError(w, r, http.StatusNotFound, "not_found", "Expected /robots/{id}/status")
		return
	}
	ctx := r.Context()

	if entry, err := s.cache.Get(ctx, robotID); err == nil && entry != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"robot_id":   entry.RobotID,
			"status":     "online",
			"last_seen":  entry.LastSeen,
			"session_id": entry.SessionID,
			"live":       entry.Status,
			"source":     "cache",
		})
		return
	}

	robot, err := s.db.GetRobot(ctx, robotID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if robot == nil {
		writeError(w, r, http.StatusNotFound, "robot_not_found", "Unknown robot: "+robotID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"robot_id": robot.ID,
		"status":   robot.Status,
		"source":   "store",
	})
}

type sessionView struct {
	ID         int64          `json:"id"`
	RobotID    string         `json:"robot_id"`
	StartTime  float64        `json:"start_time"`
	EndTime    *float64       `json:"end_time,omitempty"`
	FPS        int            `json:"fps"`
	FrameCount int64          `json:"frame_count"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}

	// /sessions/{id} when a path remainder is present.
	if rest := strings.TrimPrefix(r.URL.Path, "/sessions"); rest != "" && rest != "/" {
		s.handleSessionByID(w, r, strings.TrimPrefix(rest, "/"))
		return
	}

	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	sessions, err := s.db.ListSessions(r.Context(), q.Get("robot_id"), limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, toSessionView(session))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, raw string) {
	sessionID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_session_id", "session id must be an integer")
		return
	}

	session, err := s.db.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if session == nil {
		writeError(w, r, http.StatusNotFound, "session_not_found", "Unknown session: "+raw)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(session))
}

func toSessionView(session *database.Session) sessionView {
	view := sessionView{
		ID:         session.ID,
		RobotID:    session.RobotID,
		StartTime:  float64(session.StartTime.UnixMilli()) / 1000,
		FPS:        session.FPS,
		FrameCount: session.FrameCount,
		Meta:       session.Meta,
	}
	if session.EndTime != nil {
		end := float64(session.EndTime.UnixMilli()) / 1000
		view.EndTime = &end
	}
	return view
}

func queryInt(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
