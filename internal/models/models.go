package models

import "time"

// Frame is the metadata for one recorded screen capture. The pixels live
// either at Path on disk or inside a video chunk at VideoChunkOffset.
type Frame struct {
	ID               int64  `json:"id"`
	Timestamp        int64  `json:"timestamp"` // capture time, UTC epoch milliseconds
	Path             string `json:"path"`      // "none" when the frame only exists inside a chunk
	Application      string `json:"application"`
	Source           string `json:"source,omitempty"`    // originating device tag, "" for local captures
	SourceID         int64  `json:"source_id,omitempty"` // device-local id, 0 for local captures
	VideoChunkID     int64  `json:"video_chunk_id,omitempty"`
	VideoChunkOffset int64  `json:"video_chunk_offset,omitempty"`
	IndexProcessed   bool   `json:"index_processed"`
}

// PathNone marks frames whose pixels were never stored as a standalone image.
const PathNone = "none"

func (f Frame) CaptureTime() time.Time {
	return time.UnixMilli(f.Timestamp).UTC()
}

// OCRToken is one recognized text fragment with its bounding box. A frame that
// was processed but produced no text gets a single sentinel token with
// Text = nil so "nothing found" is distinguishable from "not yet processed".
type OCRToken struct {
	ID       int64   `json:"id"`
	FrameID  int64   `json:"frame_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	H        float64 `json:"h"`
	Text     *string `json:"text"`
	Conf     float64 `json:"conf"`
	BlockNum int64   `json:"block_num"`
	LineNum  int64   `json:"line_num"`
}

// SentinelToken returns the token row recorded for a frame with no OCR output.
func SentinelToken(frameID int64) OCRToken {
	return OCRToken{FrameID: frameID}
}

// IsSentinel reports whether the token is the "processed, nothing found" marker.
func (t OCRToken) IsSentinel() bool {
	return t.Text == nil
}

// VideoChunk is one compressed video file owning frames via
// Frame.VideoChunkID; each owned frame has a unique offset within the chunk.
type VideoChunk struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	Source   string `json:"source,omitempty"`
	SourceID int64  `json:"source_id,omitempty"`
}

// Query is one free-text question against the recorded history. Lifecycle is
// submitted (Result == nil) then answered (Result, SourceFrameIDs and
// FinishedTimestamp set together); answered is terminal.
type Query struct {
	ID                    int64    `json:"id"`
	Text                  string   `json:"query"`
	Result                *string  `json:"result"`
	SourceFrameIDs        []int64  `json:"source_frame_ids,omitempty"`
	Timestamp             int64    `json:"timestamp"`
	Active                bool     `json:"active"`
	FinishedTimestamp     *int64   `json:"finished_timestamp,omitempty"`
	ContextStartTimestamp *int64   `json:"context_start_timestamp,omitempty"`
	ContextEndTimestamp   *int64   `json:"context_end_timestamp,omitempty"`
	ContextApplications   []string `json:"context_applications,omitempty"`
}

// Answered reports whether the query reached its terminal state.
func (q Query) Answered() bool {
	return q.FinishedTimestamp != nil
}

// Annotation is an append-only note; Timestamp is the idempotency key.
type Annotation struct {
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// Location is an append-only device location; Timestamp is the idempotency key.
type Location struct {
	Timestamp int64   `json:"timestamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Label is a free-form append-only tag on a frame, queried by (Label, Value).
type Label struct {
	FrameID int64  `json:"frame_id"`
	Label   string `json:"label"`
	Value   string `json:"value"`
}

// Content is one feed item synced between server and devices. Score merges
// last-writer-wins by LastModifiedTimestamp; Viewed and Clicked merge by
// logical OR and never revert once set.
type Content struct {
	ID                    int64   `json:"id"`
	Title                 string  `json:"title"`
	URL                   string  `json:"url"`
	ThumbnailURL          string  `json:"thumbnail_url,omitempty"`
	PublishedDate         int64   `json:"published_date"`
	RankingScore          float64 `json:"ranking_score"`
	Score                 *int64  `json:"score"`
	Clicked               bool    `json:"clicked"`
	Viewed                bool    `json:"viewed"`
	URLIsLocal            bool    `json:"url_is_local"`
	Timestamp             int64   `json:"timestamp"`
	LastModifiedTimestamp int64   `json:"last_modified_timestamp"`
}

// ContentState is a device-reported mutation of content flags, merged
// monotonically into the stored row.
type ContentState struct {
	ID                    int64  `json:"id"`
	Score                 *int64 `json:"score,omitempty"`
	Viewed                bool   `json:"viewed"`
	Clicked               bool   `json:"clicked"`
	LastModifiedTimestamp int64  `json:"last_modified_timestamp"`
}

// NowMillis returns the current UTC time in epoch milliseconds, the unit used
// for every timestamp in the store.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
