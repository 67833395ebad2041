package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/retracehq/retrace/internal/models"
)

// SearchParams filter the OCR-text search. Zero values mean "no constraint".
type SearchParams struct {
	Text              string
	StartTimestamp    int64 // epoch milliseconds, inclusive
	EndTimestamp      int64 // epoch milliseconds, inclusive
	Applications      []string
	SessionGapSeconds int64 // keep at most one frame per gap window
}

// SearchResult is one frame with its concatenated OCR text.
type SearchResult struct {
	Frame        models.Frame `json:"frame"`
	CombinedText string       `json:"combined_text"`
}

// Search joins frames to their OCR tokens, concatenates token text per frame
// and applies substring, time-range and application filters, newest first.
// With SessionGapSeconds set, it walks newest to oldest keeping a frame only
// when it is at least that many seconds older than the last kept frame, which
// caps result density from bursts of near-duplicate captures.
func (r *FrameRepo) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	query := `
		SELECT ` + prefixedFrameColumns("frames") + `, GROUP_CONCAT(ocr_tokens.text, ' ') AS combined_text
		FROM frames
		INNER JOIN ocr_tokens ON frames.id = ocr_tokens.frame_id
		WHERE ocr_tokens.text IS NOT NULL`

	var args []any
	if params.StartTimestamp > 0 {
		query += ` AND frames.timestamp >= ?`
		args = append(args, params.StartTimestamp)
	}
	if params.EndTimestamp > 0 {
		query += ` AND frames.timestamp <= ?`
		args = append(args, params.EndTimestamp)
	}
	if len(params.Applications) > 0 {
		placeholders := strings.Repeat("?,", len(params.Applications)-1) + "?"
		query += ` AND frames.application IN (` + placeholders + `)`
		for _, app := range params.Applications {
			args = append(args, app)
		}
	}

	query += ` GROUP BY frames.id`
	if params.Text != "" {
		query += ` HAVING combined_text LIKE ?`
		args = append(args, "%"+params.Text+"%")
	}
	query += ` ORDER BY frames.timestamp DESC`

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search frames: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var res SearchResult
		f := &res.Frame
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.Path, &f.Application, &f.IndexProcessed,
			&f.Source, &f.SourceID, &f.VideoChunkID, &f.VideoChunkOffset, &res.CombinedText); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if params.SessionGapSeconds <= 0 {
		return results, nil
	}

	gapMillis := params.SessionGapSeconds * 1000
	var thinned []SearchResult
	var lastKept int64
	for _, res := range results {
		if lastKept == 0 || res.Frame.Timestamp <= lastKept-gapMillis {
			thinned = append(thinned, res)
			lastKept = res.Frame.Timestamp
		}
	}
	return thinned, nil
}
