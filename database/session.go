package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Session is one continuous ingestion stream from one robot, demarcated
// by stream open and close.
type Session struct {
	ID         int64
	RobotID    string
	StartTime  time.Time
	EndTime    *time.Time
	FPS        int
	FrameCount int64
	Meta       map[string]any
}

// CreateSession allocates a new session row and returns its ID.
func (c *Client) CreateSession(ctx context.Context, robotID string, fps int, meta map[string]any) (int64, error) {
	var metaJSON sql.NullString
	if meta != nil {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal session meta: %w", err)
		}
		metaJSON = sql.NullString{String: string(encoded), Valid: true}
	}

	insertSQL := `
		INSERT INTO sessions (robot_id, start_time, fps, meta)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	var id int64
	err := c.db.QueryRowContext(ctx, insertSQL, robotID, time.Now().UTC(), fps, metaJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// EndSession sets the session end time and final frame count. The session
// row is immutable otherwise.
func (c *Client) EndSession(ctx context.Context, sessionID int64, frameCount int64) error {
	updateSQL := `
		UPDATE sessions
		SET end_time = $1, frame_count = $2
		WHERE id = $3 AND end_time IS NULL
	`

	_, err := c.db.ExecContext(ctx, updateSQL, time.Now().UTC(), frameCount, sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil when absent.
func (c *Client) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	querySQL := `
		SELECT id, robot_id, start_time, end_time, fps, frame_count, meta
		FROM sessions
		WHERE id = $1
	`

	session, err := scanSession(c.db.QueryRowContext(ctx, querySQL, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions for a robot (all robots when robotID is
// empty), newest first.
func (c *Client) ListSessions(ctx context.Context, robotID string, limit, offset int64) ([]*Session, error) {
	querySQL := `
		SELECT id, robot_id, start_time, end_time, fps, frame_count, meta
		FROM sessions
	`
	args := []any{}
	if robotID != "" {
		querySQL += ` WHERE robot_id = $1`
		args = append(args, robotID)
	}
	querySQL += fmt.Sprintf(` ORDER BY start_time DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := c.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var endTime sql.NullTime
	var meta sql.NullString

	if err := row.Scan(
		&session.ID,
		&session.RobotID,
		&session.StartTime,
		&endTime,
		&session.FPS,
		&session.FrameCount,
		&meta,
	); err != nil {
		return nil, err
	}

	if endTime.Valid {
		t := endTime.Time
		session.EndTime = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &session.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session meta: %w", err)
		}
	}
	return &session, nil
}
