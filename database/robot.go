package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Robot statuses.
const (
	RobotStatusOnline  = "online"
	RobotStatusOffline = "offline"
	RobotStatusError   = "error"
)

// Robot is a row in the robots registry.
type Robot struct {
	ID            string
	Name          string
	RobotType     string
	Status        string
	LastHeartbeat *time.Time
	CreatedAt     time.Time
}

// UpsertRobot registers a robot on first ingestion and refreshes its
// status and heartbeat on reconnect.
func (c *Client) UpsertRobot(ctx context.Context, robotID, status string) error {
	insertSQL := `
		INSERT INTO robots (id, status, last_heartbeat)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat
	`

	_, err := c.db.ExecContext(ctx, insertSQL, robotID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert robot: %w", err)
	}
	return nil
}

// SetRobotStatus updates only the status column.
func (c *Client) SetRobotStatus(ctx context.Context, robotID, status string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE robots SET status = $1 WHERE id = $2`, status, robotID)
	if err != nil {
		return fmt.Errorf("failed to set robot status: %w", err)
	}
	return nil
}

// GetRobot retrieves a robot by ID. Returns nil when absent.
func (c *Client) GetRobot(ctx context.Context, robotID string) (*Robot, error) {
	querySQL := `
		SELECT id, name, robot_type, status, last_heartbeat, created_at
		FROM robots
		WHERE id = $1
	`

	robot, err := scanRobot(c.db.QueryRowContext(ctx, querySQL, robotID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get robot: %w", err)
	}
	return robot, nil
}

// ListRobots returns all registered robots ordered by ID.
func (c *Client) ListRobots(ctx context.Context) ([]*Robot, error) {
	querySQL := `
		SELECT id, name, robot_type, status, last_heartbeat, created_at
		FROM robots
		ORDER BY id
	`

	rows, err := c.db.QueryContext(ctx, querySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list robots: %w", err)
	}
	defer rows.Close()

	var robots []*Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan robot: %w", err)
		}
		robots = append(robots, robot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating robots: %w", err)
	}
	return robots, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRobot(row rowScanner) (*Robot, error) {
	var robot Robot
	var name, robotType sql.NullString
	var lastHeartbeat sql.NullTime

	if err := row.Scan(
		&robot.ID,
		&name,
		&robotType,
		&robot.Status,
		&lastHeartbeat,
		&robot.CreatedAt,
	); err != nil {
		return nil, err
	}

	if name.Valid {
		robot.Name = name.String
	}
	if robotType.Valid {
		robot.RobotType = robotType.String
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		robot.LastHeartbeat = &t
	}
	return &robot, nil
}
