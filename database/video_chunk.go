package database

import (
	"context"
	"fmt"
	"strings"
)

// VideoChunk is one contiguous recorded video segment associated with a
// session and camera. FilePath is either an s3:// URI or a local path.
type VideoChunk struct {
	ID             int64
	SessionID      int64
	RobotID        string
	CameraKey      string
	FilePath       string
	StartTimestamp float64
	EndTimestamp   float64
}

// InsertVideoChunk records one successful video upload.
func (c *Client) InsertVideoChunk(ctx context.Context, chunk VideoChunk) (int64, error) {
	insertSQL := `
		INSERT INTO video_chunks (session_id, robot_id, camera_key, file_path, start_timestamp, end_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err := c.db.QueryRowContext(ctx, insertSQL,
		chunk.SessionID, chunk.RobotID, chunk.CameraKey, chunk.FilePath, chunk.StartTimestamp, chunk.EndTimestamp,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert video chunk: %w", err)
	}
	return id, nil
}

// ListVideoChunks returns the chunks of a session ordered by start
// timestamp, optionally filtered to the given camera keys.
func (c *Client) ListVideoChunks(ctx context.Context, sessionID int64, cameraKeys []string) ([]*VideoChunk, error) {
	querySQL := `
		SELECT id, session_id, robot_id, camera_key, file_path, start_timestamp, end_timestamp
		FROM video_chunks
		WHERE session_id = $1
	`
	args := []any{sessionID}

	if len(cameraKeys) > 0 {
		placeholders := make([]string, len(cameraKeys))
		for i, key := range cameraKeys {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, key)
		}
		querySQL += fmt.Sprintf(" AND camera_key IN (%s)", strings.Join(placeholders, ", "))
	}
	querySQL += " ORDER BY start_timestamp ASC"

	rows, err := c.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list video chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*VideoChunk
	for rows.Next() {
		var chunk VideoChunk
		if err := rows.Scan(
			&chunk.ID,
			&chunk.SessionID,
			&chunk.RobotID,
			&chunk.CameraKey,
			&chunk.FilePath,
			&chunk.StartTimestamp,
			&chunk.EndTimestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan video chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating video chunks: %w", err)
	}
	return chunks, nil
}
