package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/models"
)

// SyncRepo owns the annotations, locations and content tables used by the
// device synchronization protocol.
type SyncRepo struct {
	db    *DB
	locks locking.Coordinator
}

func NewSyncRepo(db *DB, locks locking.Coordinator) *SyncRepo {
	return &SyncRepo{db: db, locks: locks}
}

// InsertAnnotations appends annotation rows. The timestamp primary key makes
// re-uploads no-ops regardless of client-side pre-filtering.
func (r *SyncRepo) InsertAnnotations(ctx context.Context, annotations []models.Annotation) error {
	if len(annotations) == 0 {
		return nil
	}
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		tx, err := r.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO annotations (timestamp, text) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range annotations {
			if _, err := stmt.ExecContext(ctx, a.Timestamp, a.Text); err != nil {
				return fmt.Errorf("failed to insert annotation: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Annotations returns all annotations ordered by timestamp.
func (r *SyncRepo) Annotations(ctx context.Context) ([]models.Annotation, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT timestamp, COALESCE(text, '') FROM annotations ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	defer rows.Close()

	var annotations []models.Annotation
	for rows.Next() {
		var a models.Annotation
		if err := rows.Scan(&a.Timestamp, &a.Text); err != nil {
			return nil, err
		}
		annotations = append(annotations, a)
	}
	return annotations, rows.Err()
}

// InsertLocations appends location rows, idempotent on timestamp.
func (r *SyncRepo) InsertLocations(ctx context.Context, locations []models.Location) error {
	if len(locations) == 0 {
		return nil
	}
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		tx, err := r.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO locations (timestamp, latitude, longitude) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, l := range locations {
			if _, err := stmt.ExecContext(ctx, l.Timestamp, l.Latitude, l.Longitude); err != nil {
				return fmt.Errorf("failed to insert location: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Locations returns all locations ordered by timestamp.
func (r *SyncRepo) Locations(ctx context.Context) ([]models.Location, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT timestamp, latitude, longitude FROM locations ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.Timestamp, &l.Latitude, &l.Longitude); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// AddContent inserts a feed item, idempotent on url. Timestamps come from the
// reporting device so the state-merge comparisons stay in its clock; zero
// values fall back to the server clock.
func (r *SyncRepo) AddContent(ctx context.Context, c models.Content) (int64, error) {
	var contentID int64
	err := r.locks.WithLock(ctx, locking.LockDB, func() error {
		now := models.NowMillis()
		timestamp := c.Timestamp
		if timestamp == 0 {
			timestamp = now
		}
		lastModified := c.LastModifiedTimestamp
		if lastModified == 0 {
			lastModified = now
		}
		res, err := r.db.conn.ExecContext(ctx, `
			INSERT INTO content (title, url, thumbnail_url, published_date, ranking_score,
				score, clicked, viewed, url_is_local, timestamp, last_modified_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Title, c.URL, nullString(c.ThumbnailURL), c.PublishedDate, c.RankingScore,
			c.Score, c.Clicked, c.Viewed, c.URLIsLocal, timestamp, lastModified)
		if err == nil {
			contentID, err = res.LastInsertId()
			return err
		}
		if !isConstraintErr(err) {
			return fmt.Errorf("failed to insert content: %w", err)
		}
		row := r.db.conn.QueryRowContext(ctx, `SELECT id FROM content WHERE url = ?`, c.URL)
		if scanErr := row.Scan(&contentID); scanErr != nil {
			return fmt.Errorf("failed to resolve duplicate content %s: %w", c.URL, err)
		}
		return nil
	})
	return contentID, err
}

// MergeContentState folds a device-reported state change into the stored row
// with monotonic semantics: viewed and clicked merge by logical OR and never
// revert; score merges last-writer-wins by last_modified_timestamp. Unknown
// content ids are ignored so stale devices cannot create orphan rows.
func (r *SyncRepo) MergeContentState(ctx context.Context, states []models.ContentState) error {
	if len(states) == 0 {
		return nil
	}
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		tx, err := r.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		flagStmt, err := tx.PrepareContext(ctx, `
			UPDATE content SET
				viewed = viewed OR ?,
				clicked = clicked OR ?,
				last_modified_timestamp = MAX(last_modified_timestamp, ?)
			WHERE id = ?`)
		if err != nil {
			return err
		}
		defer flagStmt.Close()

		scoreStmt, err := tx.PrepareContext(ctx, `
			UPDATE content SET score = ?
			WHERE id = ? AND last_modified_timestamp <= ?`)
		if err != nil {
			return err
		}
		defer scoreStmt.Close()

		for _, s := range states {
			// Score first: the flag merge advances last_modified_timestamp,
			// which the score's last-writer-wins comparison reads.
			if s.Score != nil {
				if _, err := scoreStmt.ExecContext(ctx, *s.Score, s.ID, s.LastModifiedTimestamp); err != nil {
					return fmt.Errorf("failed to merge content score %d: %w", s.ID, err)
				}
			}
			if _, err := flagStmt.ExecContext(ctx, s.Viewed, s.Clicked, s.LastModifiedTimestamp, s.ID); err != nil {
				return fmt.Errorf("failed to merge content flags %d: %w", s.ID, err)
			}
		}
		return tx.Commit()
	})
}

const contentColumns = `id, title, url, COALESCE(thumbnail_url, ''), published_date,
	ranking_score, score, clicked, viewed, url_is_local, timestamp, last_modified_timestamp`

func scanContent(rows *sql.Rows) ([]models.Content, error) {
	var contents []models.Content
	for rows.Next() {
		var c models.Content
		if err := rows.Scan(&c.ID, &c.Title, &c.URL, &c.ThumbnailURL, &c.PublishedDate,
			&c.RankingScore, &c.Score, &c.Clicked, &c.Viewed, &c.URLIsLocal,
			&c.Timestamp, &c.LastModifiedTimestamp); err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// ContentSince returns content rows with id greater than the device's cursor.
func (r *SyncRepo) ContentSince(ctx context.Context, lastContentID int64) ([]models.Content, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content WHERE id > ? ORDER BY id`, lastContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query new content: %w", err)
	}
	defer rows.Close()
	return scanContent(rows)
}

// ViewedSince returns ids of content marked viewed after the device's
// timestamp cursor, so other devices can retire it without a full pull.
func (r *SyncRepo) ViewedSince(ctx context.Context, sinceTimestamp int64) ([]int64, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT id FROM content WHERE viewed AND last_modified_timestamp > ? ORDER BY id`, sinceTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to query viewed content: %w", err)
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

// UnviewedRankings returns the current ranking score for every unviewed item.
func (r *SyncRepo) UnviewedRankings(ctx context.Context) (map[int64]float64, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT id, ranking_score FROM content WHERE NOT viewed`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rankings: %w", err)
	}
	defer rows.Close()

	rankings := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		rankings[id] = score
	}
	return rankings, rows.Err()
}

// GetContent returns a single content row, nil when the id is unknown.
func (r *SyncRepo) GetContent(ctx context.Context, contentID int64) (*models.Content, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content WHERE id = ?`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	contents, err := scanContent(rows)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, nil
	}
	return &contents[0], nil
}
