package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joinerlee/lerobot/cache"
	"github.com/Joinerlee/lerobot/database"
	"github.com/Joinerlee/lerobot/storage"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DatabaseURL:            "sqlite://:memory:",
		CacheTTL:               30 * time.Second,
		VideoAllowedExtensions: []string{"mp4", "avi", "mov", "webm"},
		VideoMaxSizeMB:         500,
		BackupDir:              t.TempDir(),
		WSBufferSize:           60,
		S3MultipartThreshold:   8 << 20,
		S3MultipartChunkSize:   8 << 20,
	}
}

func newTestServer(t *testing.T, cfg *Config) (*httptest.Server, *Server, *database.Client) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.Open(cfg.DatabaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateSchema())

	robotCache := cache.New(context.Background(), "", cfg.CacheTTL, log)
	store := storage.NewService(storage.Options{
		BackupDir:          cfg.BackupDir,
		MultipartThreshold: cfg.S3MultipartThreshold,
		MultipartChunkSize: cfg.S3MultipartChunkSize,
	}, log)

	srv := NewServer(cfg, log, db, robotCache, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv, db
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialStream(t *testing.T, ts *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), header)
	require.NoError(t, err)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, index int, timestamp float64) {
	t.Helper()
	payload := fmt.Sprintf(
		`{"frame_index":%d,"timestamp":%f,"observation":{"joint_0":%f},"action":{"joint_0":0.5}}`,
		index, timestamp, float64(index)*0.01)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func closeGracefully(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	// Wait for the server's close response so all frames are processed.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	conn.Close()
}

// waitForSessionEnd polls until the teardown path has stamped end_time.
func waitForSessionEnd(t *testing.T, db *database.Client, sessionID int64) *database.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := db.GetSession(context.Background(), sessionID)
		require.NoError(t, err)
		if session != nil && session.EndTime != nil {
			return session
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never ended")
	return nil
}

func latestSessionID(t *testing.T, db *database.Client, robotID string) int64 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := db.ListSessions(context.Background(), robotID, 1, 0)
		require.NoError(t, err)
		if len(sessions) > 0 {
			return sessions[0].ID
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session row never appeared")
	return 0
}

// 180 frames with a 60-frame buffer: exactly 3 commits, stored order is
// receive order.
func TestStreamPersistsAllFramesInOrder(t *testing.T) {
	ts, _, db := newTestServer(t, testConfig(t))
	ctx := context.Background()

	conn := dialStream(t, ts, "/ws/log/robot-A", nil)
	t0 := float64(time.Now().UnixMilli()) / 1000
	for i := 0; i < 180; i++ {
		sendFrame(t, conn, i, t0+float64(i)/60)
	}
	sessionID := latestSessionID(t, db, "robot-A")
	closeGracefully(t, conn)

	session := waitForSessionEnd(t, db, sessionID)
	assert.Equal(t, int64(180), session.FrameCount)
	assert.Equal(t, defaultSessionFPS, session.FPS)

	frames, err := db.ListFrames(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, frames, 180)
	for i, frame := range frames {
		assert.Equal(t, int64(i), frame.FrameIndex)
		assert.Equal(t, "robot-A", frame.RobotID)
	}
}

// Abrupt close: the first full batch is already committed and the
// residual is flushed best-effort by the teardown path.
func TestStreamAbruptCloseKeepsCommittedBatches(t *testing.T) {
	ts, _, db := newTestServer(t, testConfig(t))

	conn := dialStream(t, ts, "/ws/log/robot-B", nil)
	t0 := float64(time.Now().UnixMilli()) / 1000
	for i := 0; i < 61; i++ {
		sendFrame(t, conn, i, t0+float64(i)/60)
	}
	sessionID := latestSessionID(t, db, "robot-B")
	conn.Close()

	waitForSessionEnd(t, db, sessionID)

	count, err := db.CountFrames(context.Background(), sessionID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(60))
}

func TestStreamMalformedFrameIsDroppedNotFatal(t *testing.T) {
	ts, _, db := newTestServer(t, testConfig(t))

	conn := dialStream(t, ts, "/ws/log/robot-C", nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"timestamp": 1.0}`))) // missing frame_index
	sendFrame(t, conn, 0, 1700000000)
	sessionID := latestSessionID(t, db, "robot-C")
	closeGracefully(t, conn)

	session := waitForSessionEnd(t, db, sessionID)
	assert.Equal(t, int64(1), session.FrameCount)
}

func TestStreamAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKey = "k"
	ts, _, _ := newTestServer(t, cfg)

	// Missing key: accepted at upgrade, then closed with 4001.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/log/robot-A"), nil)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeCodeKeyRequired, closeErr.Code)
	assert.Equal(t, "API Key required", closeErr.Text)
	conn.Close()

	// Wrong key: 4003.
	header := http.Header{"X-API-Key": []string{"wrong"}}
	conn, _, err = websocket.DefaultDialer.Dial(wsURL(ts, "/ws/log/robot-A"), header)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeCodeKeyInvalid, closeErr.Code)
	assert.Equal(t, "Invalid API Key", closeErr.Text)
	conn.Close()

	// Correct key via query parameter: accepted.
	conn = dialStream(t, ts, "/ws/log/robot-A?api_key=k", nil)
	sendFrame(t, conn, 0, 1700000000)
	closeGracefully(t, conn)
}

func TestHealthEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/health/detail")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Contains(t, detail, "database")
	assert.Contains(t, detail, "cache")
	assert.Contains(t, detail, "storage")
}

// Health is reachable without a key; everything else returns the error
// envelope with a request id.
func TestAPIKeyMiddleware(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKey = "k"
	ts, _, _ := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/robots")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/robots", nil)
	req.Header.Set("X-API-Key", "k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestIDPropagation(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(t))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions/999999", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "session_not_found", body.Error.Code)
	assert.Equal(t, "req-abc", body.Error.RequestID)
}

func TestRobotsAndSessionsAPI(t *testing.T) {
	ts, _, db := newTestServer(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, db.UpsertRobot(ctx, "arm-01", database.RobotStatusOffline))
	sessionID, err := db.CreateSession(ctx, "arm-01", 60, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/robots")
	require.NoError(t, err)
	var robots struct {
		Robots []robotView `json:"robots"`
		Count  int         `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&robots))
	resp.Body.Close()
	require.Equal(t, 1, robots.Count)
	assert.Equal(t, "arm-01", robots.Robots[0].RobotID)

	resp, err = http.Get(fmt.Sprintf("%s/sessions/%d", ts.URL, sessionID))
	require.NoError(t, err)
	var session sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	resp.Body.Close()
	assert.Equal(t, sessionID, session.ID)
	assert.Equal(t, "arm-01", session.RobotID)

	resp, err = http.Get(ts.URL + "/sessions?robot_id=arm-01")
	require.NoError(t, err)
	var sessions struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	assert.Equal(t, 1, sessions.Count)

	resp, err = http.Get(ts.URL + "/robots/arm-01/status")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "store", status["source"])
	assert.Equal(t, "offline", status["status"])
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, 0, registry.Count())

	conn := &websocket.Conn{}
	registry.Connect(conn)
	assert.Equal(t, 1, registry.Count())

	registry.Disconnect(conn)
	registry.Disconnect(conn) // no-op when absent
	assert.Equal(t, 0, registry.Count())
}
