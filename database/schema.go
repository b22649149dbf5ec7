package database

import "fmt"

const createRobotsSQLPostgres = `
	CREATE TABLE IF NOT EXISTS robots (
		id TEXT PRIMARY KEY,
		name TEXT,
		robot_type TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

const createSessionsSQLPostgres = `
	CREATE TABLE IF NOT EXISTS sessions (
		id SERIAL PRIMARY KEY,
		robot_id TEXT NOT NULL REFERENCES robots(id),
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		fps INTEGER NOT NULL DEFAULT 60,
		frame_count BIGINT NOT NULL DEFAULT 0,
		meta JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_robot_id ON sessions(robot_id);
`

const createFramesSQLPostgres = `
	CREATE TABLE IF NOT EXISTS frames (
		id BIGSERIAL PRIMARY KEY,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		robot_id TEXT NOT NULL,
		frame_index BIGINT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		data JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frames_session_index ON frames(session_id, frame_index);
`

const createVideoChunksSQLPostgres = `
	CREATE TABLE IF NOT EXISTS video_chunks (
		id SERIAL PRIMARY KEY,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		robot_id TEXT NOT NULL,
		camera_key TEXT NOT NULL,
		file_path TEXT NOT NULL,
		start_timestamp DOUBLE PRECISION NOT NULL,
		end_timestamp DOUBLE PRECISION NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_video_chunks_session ON video_chunks(session_id, start_timestamp);
`

const createRobotsSQLSQLite = `
	CREATE TABLE IF NOT EXISTS robots (
		id TEXT PRIMARY KEY,
		name TEXT,
		robot_type TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

const createSessionsSQLSQLite = `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY,
		robot_id TEXT NOT NULL REFERENCES robots(id),
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		fps INTEGER NOT NULL DEFAULT 60,
		frame_count INTEGER NOT NULL DEFAULT 0,
		meta TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_robot_id ON sessions(robot_id);
`

const createFramesSQLSQLite = `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		robot_id TEXT NOT NULL,
		frame_index INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frames_session_index ON frames(session_id, frame_index);
`

const createVideoChunksSQLSQLite = `
	CREATE TABLE IF NOT EXISTS video_chunks (
		id INTEGER PRIMARY KEY,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		robot_id TEXT NOT NULL,
		camera_key TEXT NOT NULL,
		file_path TEXT NOT NULL,
		start_timestamp REAL NOT NULL,
		end_timestamp REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_video_chunks_session ON video_chunks(session_id, start_timestamp);
`

// CreateSchema creates the robots, sessions, frames and video_chunks tables.
func (c *Client) CreateSchema() error {
	statements := []string{
		createRobotsSQLSQLite,
		createSessionsSQLSQLite,
		createFramesSQLSQLite,
		createVideoChunksSQLSQLite,
	}
	if c.driver == DriverPostgres {
		statements = []string{
			createRobotsSQLPostgres,
			createSessionsSQLPostgres,
			createFramesSQLPostgres,
			createVideoChunksSQLPostgres,
		}
	}

	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DropSchema drops all tables. Used by tests.
func (c *Client) DropSchema() error {
	for _, table := range []string{"video_chunks", "frames", "sessions", "robots"} {
		if _, err := c.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}
