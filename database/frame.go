package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frame is one timestamped observation+action record sent by a client
// during a session. Data is an opaque JSON object; this layer never
// inspects its shape.
type Frame struct {
	ID         int64
	SessionID  int64
	RobotID    string
	FrameIndex int64
	Timestamp  time.Time
	Data       map[string]any
}

// InsertFrames bulk-inserts a batch of frames in a single round trip.
// Slice order is preserved: rows are written in the order given.
func (c *Client) InsertFrames(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO frames (session_id, robot_id, frame_index, timestamp, data) VALUES `)

	args := make([]any, 0, len(frames)*5)
	for i, frame := range frames {
		dataJSON, err := json.Marshal(frame.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal frame data: %w", err)
		}

		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, frame.SessionID, frame.RobotID, frame.FrameIndex, frame.Timestamp.UTC(), string(dataJSON))
	}

	if _, err := c.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert frame batch: %w", err)
	}
	return nil
}

// ListFrames returns all frames of a session ordered by frame_index.
func (c *Client) ListFrames(ctx context.Context, sessionID int64) ([]*Frame, error) {
	querySQL := `
		SELECT id, session_id, robot_id, frame_index, timestamp, data
		FROM frames
		WHERE session_id = $1
		ORDER BY frame_index ASC
	`

	rows, err := c.db.QueryContext(ctx, querySQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var frames []*Frame
	for rows.Next() {
		var frame Frame
		var dataJSON string

		if err := rows.Scan(
			&frame.ID,
			&frame.SessionID,
			&frame.RobotID,
			&frame.FrameIndex,
			&frame.Timestamp,
			&dataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}

		if err := json.Unmarshal([]byte(dataJSON), &frame.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame data: %w", err)
		}
		frames = append(frames, &frame)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frames: %w", err)
	}
	return frames, nil
}

// CountFrames returns the number of persisted frames for a session.
func (c *Client) CountFrames(ctx context.Context, sessionID int64) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return count, nil
}
