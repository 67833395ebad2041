package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/retracehq/retrace/internal/chunks"
	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/ingest"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/query"
	"github.com/retracehq/retrace/internal/storage"
)

// APIKeyHeader carries the device's shared secret on every request.
const APIKeyHeader = "X-API-Key"

// QueryRunningResult stands in for unanswered queries in device listings.
const QueryRunningResult = "Query Running..."

const maxActiveQueries = 6

type App struct {
	Frames       *database.FrameRepo
	Queries      *database.QueryRepo
	Sync         *database.SyncRepo
	Store        storage.Store
	Pipeline     *ingest.Pipeline
	Reconciler   *chunks.Reconciler
	Orchestrator *query.Orchestrator

	APIKey        string
	MaxUploadSize int64
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, map[string]string{"status": status, "message": message})
}

func (app *App) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(APIKeyHeader) != app.APIKey {
			writeStatus(w, http.StatusUnauthorized, "error", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *App) PingHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "success", "Server is reachable")
}

// UploadImageHandler stages a capture image and queues it for ingestion. A
// full queue answers 503; the staged file is picked up by the next recovery
// pass either way.
func (app *App) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)
	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "File too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "No file part")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeStatus(w, http.StatusBadRequest, "error", "No selected file")
		return
	}
	if _, _, err := ingest.ParseCaptureName(header.Filename); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Malformed capture name")
		return
	}

	landingPath, err := app.Store.SaveLanding(file, header.Filename)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed to save file")
		return
	}

	if err := app.Pipeline.Enqueue(landingPath); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			writeStatus(w, http.StatusServiceUnavailable, "error", "Ingest queue full, retry later")
			return
		}
		writeStatus(w, http.StatusInternalServerError, "error", "Failed to queue file")
		return
	}
	writeStatus(w, http.StatusOK, "success", "File successfully uploaded")
}

type uploadFramesRequest struct {
	Source string `json:"source"`
	Frames []struct {
		Timestamp   int64  `json:"timestamp"`
		Application string `json:"application"`
		SourceID    int64  `json:"source_id"`
		Tokens      []struct {
			X        float64 `json:"x"`
			Y        float64 `json:"y"`
			W        float64 `json:"w"`
			H        float64 `json:"h"`
			Text     string  `json:"text"`
			Conf     float64 `json:"conf"`
			BlockNum int64   `json:"block_num"`
			LineNum  int64   `json:"line_num"`
		} `json:"tokens"`
	} `json:"frames"`
}

// UploadFramesHandler records a batch of device frames whose pixels stay on
// the device. Token text arrives pre-recognized.
func (app *App) UploadFramesHandler(w http.ResponseWriter, r *http.Request) {
	var req uploadFramesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Missing JSON in request")
		return
	}
	if req.Source == "" || len(req.Frames) == 0 {
		writeStatus(w, http.StatusBadRequest, "error", "Missing data in JSON")
		return
	}

	observed := make([]ingest.ObservedFrame, 0, len(req.Frames))
	for _, f := range req.Frames {
		frame := ingest.ObservedFrame{
			Timestamp:   f.Timestamp,
			Application: f.Application,
			SourceID:    f.SourceID,
		}
		for _, tok := range f.Tokens {
			text := tok.Text
			frame.Tokens = append(frame.Tokens, models.OCRToken{
				X: tok.X, Y: tok.Y, W: tok.W, H: tok.H,
				Text: &text, Conf: tok.Conf,
				BlockNum: tok.BlockNum, LineNum: tok.LineNum,
			})
		}
		observed = append(observed, frame)
	}

	ids, err := app.Pipeline.RecordObserved(r.Context(), req.Source, observed)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Failed to record frames")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   "Frames successfully recorded",
		"frame_ids": ids,
	})
}

// UploadVideoChunkHandler stores a compressed chunk and links it to the
// device frames it contains, given in playback order.
func (app *App) UploadVideoChunkHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)
	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "File too large")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "No file part")
		return
	}
	defer file.Close()

	source := r.FormValue("source")
	if source == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Missing source")
		return
	}
	sourceID, err := strconv.ParseInt(r.FormValue("source_id"), 10, 64)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Missing or invalid source_id")
		return
	}

	var frameIDs []int64
	for _, part := range strings.Split(r.FormValue("frame_ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			writeStatus(w, http.StatusBadRequest, "error", "Invalid frame_ids")
			return
		}
		frameIDs = append(frameIDs, id)
	}
	if len(frameIDs) == 0 {
		writeStatus(w, http.StatusBadRequest, "error", "Missing frame_ids")
		return
	}

	chunkPath, err := app.Store.SaveChunk(file, source, sourceID)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed to save chunk")
		return
	}

	chunkID, err := app.Reconciler.Reconcile(r.Context(), source, chunkPath, frameIDs, sourceID)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed to reconcile chunk")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"message":  "Chunk successfully uploaded",
		"chunk_id": chunkID,
	})
}

type syncDBRequest struct {
	Annotations   []models.Annotation   `json:"annotations"`
	Locations     []models.Location     `json:"locations"`
	Content       []models.Content      `json:"content"`
	ContentStates []models.ContentState `json:"content_states"`
}

// SyncDBHandler merges a device's annotations, locations and content state.
// Every part is idempotent or monotonic, so devices replay freely.
func (app *App) SyncDBHandler(w http.ResponseWriter, r *http.Request) {
	var req syncDBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "No data provided")
		return
	}

	ctx := r.Context()
	if err := app.Sync.InsertAnnotations(ctx, req.Annotations); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed annotations ingestion")
		return
	}
	if err := app.Sync.InsertLocations(ctx, req.Locations); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed locations ingestion")
		return
	}
	for _, c := range req.Content {
		if _, err := app.Sync.AddContent(ctx, c); err != nil {
			writeStatus(w, http.StatusBadRequest, "error", "Failed content ingestion")
			return
		}
	}
	if err := app.Sync.MergeContentState(ctx, req.ContentStates); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed content state merge")
		return
	}
	writeStatus(w, http.StatusOK, "success", "Database successfully synced")
}

type postQueryRequest struct {
	Query                 string   `json:"query"`
	ContextStartTimestamp *int64   `json:"context_start_timestamp"`
	ContextEndTimestamp   *int64   `json:"context_end_timestamp"`
	ContextApplications   []string `json:"context_applications"`
}

func (app *App) PostQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req postQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Missing JSON in request")
		return
	}
	if req.Query == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Missing data in JSON")
		return
	}

	if _, err := app.Orchestrator.Submit(r.Context(), req.Query,
		req.ContextStartTimestamp, req.ContextEndTimestamp, req.ContextApplications); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Failed to record query")
		return
	}
	writeStatus(w, http.StatusOK, "success", "Data received")
}

// GetQueriesHandler lists recent active queries newest first. Unanswered
// queries carry a placeholder result so devices can render progress.
func (app *App) GetQueriesHandler(w http.ResponseWriter, r *http.Request) {
	active, err := app.Queries.ActiveQueries(r.Context())
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Failed to list queries")
		return
	}
	if len(active) > maxActiveQueries {
		active = active[:maxActiveQueries]
	}

	type queryEntry struct {
		Query  string `json:"query"`
		Result string `json:"result"`
	}
	entries := make([]queryEntry, 0, len(active))
	for _, q := range active {
		result := QueryRunningResult
		if q.Result != nil {
			result = *q.Result
		}
		entries = append(entries, queryEntry{Query: q.Text, Result: result})
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetNewContentHandler answers a device's feed pull with three parts: content
// rows past its id cursor, ids viewed since its timestamp cursor, and the
// current ranking snapshot for everything unviewed.
func (app *App) GetNewContentHandler(w http.ResponseWriter, r *http.Request) {
	lastContentID, err := strconv.ParseInt(r.URL.Query().Get("last_content_id"), 10, 64)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Missing or invalid last_content_id")
		return
	}
	lastSyncTimestamp, err := strconv.ParseInt(r.URL.Query().Get("last_sync_timestamp"), 10, 64)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Missing or invalid last_sync_timestamp")
		return
	}

	ctx := r.Context()
	newContent, err := app.Sync.ContentSince(ctx, lastContentID)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Failed to pull content")
		return
	}
	viewedIDs, err := app.Sync.ViewedSince(ctx, lastSyncTimestamp)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Failed to pull viewed content")
		return
	}
	rankings, err := app.Sync.UnviewedRankings(ctx)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Failed to pull rankings")
		return
	}

	if newContent == nil {
		newContent = []models.Content{}
	}
	if viewedIDs == nil {
		viewedIDs = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"new_content":        newContent,
		"viewed_content_ids": viewedIDs,
		"content_rankings":   rankings,
	})
}

func (app *App) GetLastIDHandler(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	source := r.URL.Query().Get("source")
	if table == "" || source == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Missing table or source parameter")
		return
	}

	lastID, err := app.Frames.LastID(r.Context(), table, source)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Couldn't retrieve last id for table "+table)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_id": lastID})
}

func (app *App) GetLastTimestampHandler(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Missing table parameter")
		return
	}

	lastTimestamp, err := app.Frames.LastTimestamp(r.Context(), table)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Couldn't retrieve last timestamp for table "+table)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_timestamp": lastTimestamp})
}
