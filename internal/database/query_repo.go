package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/models"
)

// QueryRepo owns the queries table.
type QueryRepo struct {
	db    *DB
	locks locking.Coordinator
}

func NewQueryRepo(db *DB, locks locking.Coordinator) *QueryRepo {
	return &QueryRepo{db: db, locks: locks}
}

// InsertQuery records a submitted question and returns its id. The query stays
// unanswered until FinishQuery.
func (r *QueryRepo) InsertQuery(ctx context.Context, text string, contextStart, contextEnd *int64, contextApps []string) (int64, error) {
	var queryID int64
	err := r.locks.WithLock(ctx, locking.LockDB, func() error {
		var apps any
		if len(contextApps) > 0 {
			apps = strings.Join(contextApps, ",")
		}
		res, err := r.db.conn.ExecContext(ctx, `
			INSERT INTO queries (query, timestamp, context_start_timestamp, context_end_timestamp, context_applications)
			VALUES (?, ?, ?, ?, ?)`,
			text, models.NowMillis(), contextStart, contextEnd, apps)
		if err != nil {
			return fmt.Errorf("failed to insert query: %w", err)
		}
		queryID, err = res.LastInsertId()
		return err
	})
	return queryID, err
}

// FinishQuery moves a query to its terminal answered state. Result, source
// frame ids and finished timestamp are set in one statement so a partial
// answer is never visible. Re-finishing an answered query is a no-op.
func (r *QueryRepo) FinishQuery(ctx context.Context, queryID int64, result string, sourceFrameIDs []int64) error {
	return r.locks.WithLock(ctx, locking.LockDB, func() error {
		ids := make([]string, len(sourceFrameIDs))
		for i, id := range sourceFrameIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		_, err := r.db.conn.ExecContext(ctx, `
			UPDATE queries SET result = ?, source_frame_ids = ?, finished_timestamp = ?
			WHERE id = ? AND finished_timestamp IS NULL`,
			result, strings.Join(ids, ","), models.NowMillis(), queryID)
		if err != nil {
			return fmt.Errorf("failed to finish query %d: %w", queryID, err)
		}
		return nil
	})
}

func scanQueries(rows *sql.Rows) ([]models.Query, error) {
	var queries []models.Query
	for rows.Next() {
		var q models.Query
		var sourceIDs, apps sql.NullString
		if err := rows.Scan(&q.ID, &q.Text, &q.Result, &sourceIDs, &q.Timestamp, &q.Active,
			&q.FinishedTimestamp, &q.ContextStartTimestamp, &q.ContextEndTimestamp, &apps); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		if sourceIDs.Valid && sourceIDs.String != "" {
			for _, part := range strings.Split(sourceIDs.String, ",") {
				id, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					continue
				}
				q.SourceFrameIDs = append(q.SourceFrameIDs, id)
			}
		}
		if apps.Valid && apps.String != "" {
			q.ContextApplications = strings.Split(apps.String, ",")
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

const queryColumns = `id, query, result, source_frame_ids, timestamp, active,
	finished_timestamp, context_start_timestamp, context_end_timestamp, context_applications`

// ActiveQueries returns submitted and answered queries still shown to devices,
// newest first.
func (r *QueryRepo) ActiveQueries(ctx context.Context) ([]models.Query, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE active ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active queries: %w", err)
	}
	defer rows.Close()
	return scanQueries(rows)
}

// UnprocessedQueries returns queries with no finished timestamp, oldest first,
// for the answer poll loop.
func (r *QueryRepo) UnprocessedQueries(ctx context.Context) ([]models.Query, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE finished_timestamp IS NULL ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed queries: %w", err)
	}
	defer rows.Close()
	return scanQueries(rows)
}

// GetQuery returns a single query, nil when the id is unknown.
func (r *QueryRepo) GetQuery(ctx context.Context, queryID int64) (*models.Query, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE id = ?`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	queries, err := scanQueries(rows)
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, nil
	}
	return &queries[0], nil
}
