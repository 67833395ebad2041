package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the shared SQLite store file. Multiple OS processes may open the
// same file; WAL mode plus a busy timeout makes writers block-and-retry on
// contention instead of failing immediately.
type DB struct {
	conn *sql.DB
	path string
}

type Config struct {
	Path string
}

func NewDB(config Config) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000", config.Path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, path: config.Path}
	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		path TEXT NOT NULL,
		application TEXT NOT NULL,
		index_processed BOOLEAN NOT NULL DEFAULT 0,
		source TEXT,
		source_id INTEGER,
		video_chunk_id INTEGER,
		video_chunk_offset INTEGER,
		UNIQUE (source, source_id)
	);
	-- Device frames all share the 'none' path, so same-millisecond reports
	-- from different devices must not collide on it.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_frames_timestamp_path
		ON frames (timestamp, path) WHERE path != 'none';

	CREATE TABLE IF NOT EXISTS ocr_tokens (
		id INTEGER PRIMARY KEY,
		frame_id INTEGER NOT NULL,
		x DOUBLE NOT NULL,
		y DOUBLE NOT NULL,
		w DOUBLE NOT NULL,
		h DOUBLE NOT NULL,
		text TEXT,
		conf DOUBLE NOT NULL,
		block_num INTEGER,
		line_num INTEGER,
		FOREIGN KEY (frame_id) REFERENCES frames(id)
	);
	CREATE INDEX IF NOT EXISTS idx_ocr_tokens_frame_id ON ocr_tokens(frame_id);

	CREATE TABLE IF NOT EXISTS video_chunks (
		id INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		source TEXT,
		source_id INTEGER,
		UNIQUE (path)
	);

	CREATE TABLE IF NOT EXISTS queries (
		id INTEGER PRIMARY KEY,
		query TEXT NOT NULL,
		result TEXT,
		source_frame_ids TEXT,
		timestamp INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		finished_timestamp INTEGER,
		context_start_timestamp INTEGER,
		context_end_timestamp INTEGER,
		context_applications TEXT
	);

	CREATE TABLE IF NOT EXISTS annotations (
		timestamp INTEGER NOT NULL PRIMARY KEY,
		text TEXT
	);

	CREATE TABLE IF NOT EXISTS locations (
		timestamp INTEGER NOT NULL PRIMARY KEY,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS labels (
		frame_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS content (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		url TEXT NOT NULL,
		thumbnail_url TEXT,
		published_date INTEGER NOT NULL,
		ranking_score DOUBLE NOT NULL DEFAULT 0,
		score INTEGER,
		clicked BOOLEAN NOT NULL DEFAULT 0,
		viewed BOOLEAN NOT NULL DEFAULT 0,
		url_is_local BOOLEAN NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		last_modified_timestamp INTEGER NOT NULL,
		UNIQUE (url)
	);
	`

	_, err := db.conn.Exec(query)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
