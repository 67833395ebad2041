package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/models"
)

// FrameRepo owns the frames, ocr_tokens, video_chunks and labels tables.
// All mutations run under the db lock so concurrent writer processes
// serialize on the shared store file.
type FrameRepo struct {
	db    *DB
	locks locking.Coordinator
}

func NewFrameRepo(db *DB, locks locking.Coordinator) *FrameRepo {
	return &FrameRepo{db: db, locks: locks}
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// InsertFrame records one capture and returns its store id. Duplicate natural
// keys ((source, source_id) for device frames, (timestamp, path) for stored
// captures) are recovered by returning the existing row's id, never surfaced
// as errors. Device frames dedupe on their source key alone; their shared
// 'none' path carries no identity.
func (r *FrameRepo) InsertFrame(ctx context.Context, timestamp int64, path, application, source string, sourceID int64) (int64, error) {
	var frameID int64
	err := r.locks.WithLock(ctx, locking.LockDB, func() error {
		res, err := r.db.conn.ExecContext(ctx, `
			INSERT INTO frames (timestamp, path, application, source, source_id)
			VALUES (?, ?, ?, ?, ?)`,
			timestamp, path, application, nullString(source), nullInt(sourceID))
		if err == nil {
			frameID, err = res.LastInsertId()
			return err
		}
		if !isConstraintErr(err) {
			return fmt.Errorf("failed to insert frame: %w", err)
		}

		// Frame already exists, return the existing id.
		if source != "" {
			row := r.db.conn.QueryRowContext(ctx,
				`SELECT id FROM frames WHERE source = ? AND source_id = ?`, source, sourceID)
			if scanErr := row.Scan(&frameID); scanErr == nil {
				return nil
			}
		}
		row := r.db.conn.QueryRowContext(ctx,
			`SELECT id FROM frames WHERE timestamp = ? AND path = ?`, timestamp, path)
		if scanErr := row.Scan(&frameID); scanErr != nil {
			return fmt.Errorf("failed to resolve duplicate frame (%d, %s): %w", timestamp, path, err)
		}
		return nil
	})
	return frameID, err
}

// InsertOCRTokens bulk-appends token rows for a frame. Callers pass the
// sentinel token for frames with no OCR output so the frame still counts as
// processed.
func (r *FrameRepo) InsertOCRTokens(ctx context.Context, frameID int64, tokens []models.OCRToken) error {
	if len(tokens) == 0 {
		tokens = []models.OCRToken{models.SentinelToken(frameID)}
	}
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		tx, err := r.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ocr_tokens (frame_id, x, y, w, h, text, conf, block_num, line_num)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare token insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tokens {
			if _, err := stmt.ExecContext(ctx, frameID, t.X, t.Y, t.W, t.H, t.Text, t.Conf, t.BlockNum, t.LineNum); err != nil {
				return fmt.Errorf("failed to insert ocr token: %w", err)
			}
		}
		return tx.Commit()
	})
}

// InsertVideoChunk records a compressed chunk file, idempotent on path.
func (r *FrameRepo) InsertVideoChunk(ctx context.Context, path, source string, sourceID int64) (int64, error) {
	var chunkID int64
	err := r.locks.WithLock(ctx, locking.LockDB, func() error {
		res, err := r.db.conn.ExecContext(ctx, `
			INSERT INTO video_chunks (path, source, source_id)
			VALUES (?, ?, ?)`, path, nullString(source), nullInt(sourceID))
		if err == nil {
			chunkID, err = res.LastInsertId()
			return err
		}
		if !isConstraintErr(err) {
			return fmt.Errorf("failed to insert video chunk: %w", err)
		}
		row := r.db.conn.QueryRowContext(ctx, `SELECT id FROM video_chunks WHERE path = ?`, path)
		if scanErr := row.Scan(&chunkID); scanErr != nil {
			return fmt.Errorf("failed to resolve duplicate video chunk %s: %w", path, err)
		}
		return nil
	})
	return chunkID, err
}

// AssignVideoChunk binds previously recorded frames to a chunk; the offset of
// each frame is its position in frameIDs, the chunk's compression order.
func (r *FrameRepo) AssignVideoChunk(ctx context.Context, chunkID int64, frameIDs []int64) error {
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		tx, err := r.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE frames SET video_chunk_id = ?, video_chunk_offset = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare chunk assignment: %w", err)
		}
		defer stmt.Close()

		for offset, frameID := range frameIDs {
			if _, err := stmt.ExecContext(ctx, chunkID, offset, frameID); err != nil {
				return fmt.Errorf("failed to assign chunk to frame %d: %w", frameID, err)
			}
		}
		return tx.Commit()
	})
}

const frameColumns = `id, timestamp, path, application, index_processed,
	COALESCE(source, ''), COALESCE(source_id, 0),
	COALESCE(video_chunk_id, 0), COALESCE(video_chunk_offset, 0)`

func prefixedFrameColumns(alias string) string {
	a := alias + "."
	return a + "id, " + a + "timestamp, " + a + "path, " + a + "application, " + a + "index_processed, " +
		"COALESCE(" + a + "source, ''), COALESCE(" + a + "source_id, 0), " +
		"COALESCE(" + a + "video_chunk_id, 0), COALESCE(" + a + "video_chunk_offset, 0)"
}

func scanFrame(row interface{ Scan(...any) error }) (models.Frame, error) {
	var f models.Frame
	err := row.Scan(&f.ID, &f.Timestamp, &f.Path, &f.Application, &f.IndexProcessed,
		&f.Source, &f.SourceID, &f.VideoChunkID, &f.VideoChunkOffset)
	return f, err
}

func (r *FrameRepo) queryFrames(ctx context.Context, query string, args ...any) ([]models.Frame, error) {
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []models.Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// GetFrame returns a single frame, nil when the id is unknown.
func (r *FrameRepo) GetFrame(ctx context.Context, frameID int64) (*models.Frame, error) {
	row := r.db.conn.QueryRowContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE id = ?`, frameID)
	f, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// FramesWithoutOCR selects frames not yet linked to any OCR token row.
func (r *FrameRepo) FramesWithoutOCR(ctx context.Context) ([]models.Frame, error) {
	return r.queryFrames(ctx, `
		SELECT `+prefixedFrameColumns("f")+`
		FROM frames f
		LEFT JOIN ocr_tokens o ON f.id = o.frame_id
		WHERE o.id IS NULL`)
}

// FramesPendingIndex selects OCR-complete frames whose index watermark is
// still unset, oldest capture first.
func (r *FrameRepo) FramesPendingIndex(ctx context.Context, limit int) ([]models.Frame, error) {
	return r.queryFrames(ctx, `
		SELECT DISTINCT `+prefixedFrameColumns("frames")+`
		FROM frames
		INNER JOIN ocr_tokens ON frames.id = ocr_tokens.frame_id
		WHERE NOT frames.index_processed
		ORDER BY frames.timestamp ASC
		LIMIT ?`, limit)
}

// MarkIndexProcessed advances the per-frame index watermark. Only called after
// the vector index confirmed the corresponding add.
func (r *FrameRepo) MarkIndexProcessed(ctx context.Context, frameIDs []int64) error {
	if len(frameIDs) == 0 {
		return nil
	}
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		tx, err := r.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `UPDATE frames SET index_processed = 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, id := range frameIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("failed to mark frame %d processed: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// TokensForFrames returns all OCR tokens for the given frames keyed by frame id.
func (r *FrameRepo) TokensForFrames(ctx context.Context, frameIDs []int64) (map[int64][]models.OCRToken, error) {
	tokens := make(map[int64][]models.OCRToken)
	if len(frameIDs) == 0 {
		return tokens, nil
	}

	placeholders := strings.Repeat("?,", len(frameIDs)-1) + "?"
	args := make([]any, len(frameIDs))
	for i, id := range frameIDs {
		args[i] = id
	}

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, frame_id, x, y, w, h, text, conf, COALESCE(block_num, 0), COALESCE(line_num, 0)
		FROM ocr_tokens
		WHERE frame_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ocr tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t models.OCRToken
		if err := rows.Scan(&t.ID, &t.FrameID, &t.X, &t.Y, &t.W, &t.H, &t.Text, &t.Conf, &t.BlockNum, &t.LineNum); err != nil {
			return nil, fmt.Errorf("failed to scan ocr token: %w", err)
		}
		tokens[t.FrameID] = append(tokens[t.FrameID], t)
	}
	return tokens, rows.Err()
}

// NeighborFrames returns up to buffer frames on each side of the given frame
// in capture order within the same application, including the frame itself,
// ordered by capture time.
func (r *FrameRepo) NeighborFrames(ctx context.Context, frameID int64, buffer int) ([]models.Frame, error) {
	frame, err := r.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, nil
	}

	before, err := r.queryFrames(ctx, `
		SELECT `+frameColumns+` FROM frames
		WHERE application = ? AND (timestamp < ? OR (timestamp = ? AND id < ?))
		ORDER BY timestamp DESC, id DESC LIMIT ?`,
		frame.Application, frame.Timestamp, frame.Timestamp, frame.ID, buffer)
	if err != nil {
		return nil, err
	}
	after, err := r.queryFrames(ctx, `
		SELECT `+frameColumns+` FROM frames
		WHERE application = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp ASC, id ASC LIMIT ?`,
		frame.Application, frame.Timestamp, frame.Timestamp, frame.ID, buffer)
	if err != nil {
		return nil, err
	}

	window := make([]models.Frame, 0, len(before)+len(after)+1)
	for i := len(before) - 1; i >= 0; i-- {
		window = append(window, before[i])
	}
	window = append(window, *frame)
	window = append(window, after...)
	return window, nil
}

// Applications returns every application identifier seen across frames.
func (r *FrameRepo) Applications(ctx context.Context) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT DISTINCT application FROM frames`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// AddLabel appends a free-form tag for a frame.
func (r *FrameRepo) AddLabel(ctx context.Context, frameID int64, label, value string) error {
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		_, err := r.db.conn.ExecContext(ctx,
			`INSERT INTO labels (frame_id, label, value) VALUES (?, ?, ?)`, frameID, label, value)
		if err != nil {
			return fmt.Errorf("failed to add label: %w", err)
		}
		return nil
	})
}

// FramesWithLabel returns ids of frames carrying the (label, value) tag.
func (r *FrameRepo) FramesWithLabel(ctx context.Context, label, value string) ([]int64, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT frame_id FROM labels WHERE label = ? AND value = ?`, label, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var translatableTables = map[string]bool{
	"frames":       true,
	"video_chunks": true,
}

// TranslateIDs maps device-local ids from a source to store ids, preserving
// input order. Ids never seen from that source come back invalid.
func (r *FrameRepo) TranslateIDs(ctx context.Context, table, source string, sourceIDs []int64) ([]sql.NullInt64, error) {
	if !translatableTables[table] {
		return nil, fmt.Errorf("unknown table for id translation: %s", table)
	}
	out := make([]sql.NullInt64, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(sourceIDs)-1) + "?"
	args := make([]any, 0, len(sourceIDs)+1)
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	args = append(args, source)

	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT source_id, id FROM `+table+` WHERE source_id IN (`+placeholders+`) AND source = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to translate ids: %w", err)
	}
	defer rows.Close()

	mapped := make(map[int64]int64)
	for rows.Next() {
		var sourceID, storeID int64
		if err := rows.Scan(&sourceID, &storeID); err != nil {
			return nil, err
		}
		mapped[sourceID] = storeID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, sid := range sourceIDs {
		if storeID, ok := mapped[sid]; ok {
			out[i] = sql.NullInt64{Int64: storeID, Valid: true}
		}
	}
	return out, nil
}

// Each cursor whitelist names only tables carrying the queried columns;
// annotations and locations key on timestamp, video_chunks carry none.
var idCursorTables = map[string]bool{
	"frames":       true,
	"video_chunks": true,
	"queries":      true,
	"content":      true,
}

var sourceCursorTables = map[string]bool{
	"frames":       true,
	"video_chunks": true,
}

var timestampCursorTables = map[string]bool{
	"frames":      true,
	"annotations": true,
	"locations":   true,
	"queries":     true,
	"content":     true,
}

// LastID returns the largest id (or source_id for the given source) in a
// table, 0 when the table is empty. Devices use it to resume uploads.
func (r *FrameRepo) LastID(ctx context.Context, table, source string) (int64, error) {
	var row *sql.Row
	if source != "" {
		if !sourceCursorTables[table] {
			return 0, fmt.Errorf("unknown table for source id cursor: %s", table)
		}
		row = r.db.conn.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(source_id), 0) FROM `+table+` WHERE source = ?`, source)
	} else {
		if !idCursorTables[table] {
			return 0, fmt.Errorf("unknown table for id cursor: %s", table)
		}
		row = r.db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+table)
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query last id: %w", err)
	}
	return id, nil
}

// LastTimestamp returns the most recent timestamp in a table, 0 when empty.
func (r *FrameRepo) LastTimestamp(ctx context.Context, table string) (int64, error) {
	if !timestampCursorTables[table] {
		return 0, fmt.Errorf("unknown table for timestamp cursor: %s", table)
	}
	var ts int64
	row := r.db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(timestamp), 0) FROM `+table)
	if err := row.Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to query last timestamp: %w", err)
	}
	return ts, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}
