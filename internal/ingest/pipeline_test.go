package ingest

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/storage"
)

type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	tokens []models.OCRToken
	err    error
}

func (f *fakeEngine) Recognize(ctx context.Context, imagePath string) ([]models.OCRToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, imagePath)
	return f.tokens, f.err
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type mockFile struct {
	*bytes.Reader
}

func (m *mockFile) Close() error { return nil }

func setupPipeline(t *testing.T, engine *fakeEngine, cfg Config) (*Pipeline, *database.FrameRepo, *storage.CaptureStore) {
	t.Helper()

	db, err := database.NewDB(database.Config{Path: filepath.Join(t.TempDir(), "ingest_test.db")})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	locks, err := locking.NewStoreCoordinator(db.Conn())
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	store, err := storage.NewCaptureStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	frames := database.NewFrameRepo(db, locks)
	return NewPipeline(frames, store, engine, cfg), frames, store
}

func stageCapture(t *testing.T, store *storage.CaptureStore, name string) string {
	t.Helper()
	path, err := store.SaveLanding(&mockFile{bytes.NewReader([]byte("jpeg"))}, name)
	if err != nil {
		t.Fatalf("Failed to stage capture: %v", err)
	}
	return path
}

func TestParseCaptureName(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		application string
		timestamp   int64
		wantErr     bool
	}{
		{"simple", "chrome_1700000000000.jpg", "chrome", 1700000000000, false},
		{"underscore in application", "com_example_app_1700000000000.jpg", "com_example_app", 1700000000000, false},
		{"no separator", "chrome.jpg", "", 0, true},
		{"no timestamp", "chrome_.jpg", "", 0, true},
		{"bad timestamp", "chrome_abc.jpg", "", 0, true},
		{"empty application", "_1700000000000.jpg", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, ts, err := ParseCaptureName(tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.filename)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if app != tt.application || ts != tt.timestamp {
				t.Errorf("Got (%q, %d), want (%q, %d)", app, ts, tt.application, tt.timestamp)
			}
		})
	}
}

func TestPipeline_ProcessLanding(t *testing.T) {
	text := "hello"
	engine := &fakeEngine{tokens: []models.OCRToken{
		{X: 1, Y: 1, W: 30, H: 10, Text: &text, Conf: 0.9},
	}}
	p, frames, _ := setupPipeline(t, engine, Config{})
	ctx := context.Background()

	landingPath := stageCapture(t, p.store.(*storage.CaptureStore), "chrome_1700000000000.jpg")
	if err := p.processLanding(ctx, landingPath); err != nil {
		t.Fatalf("Failed to process capture: %v", err)
	}

	results, err := frames.Search(ctx, database.SearchParams{Text: "hello"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(results))
	}
	frame := results[0].Frame
	if frame.Timestamp != 1700000000000 || frame.Application != "chrome" {
		t.Errorf("Frame metadata wrong: %+v", frame)
	}
	if filepath.Base(frame.Path) != "chrome_1700000000000.jpg" {
		t.Errorf("Frame path not promoted: %s", frame.Path)
	}
	if engine.callCount() != 1 {
		t.Errorf("Expected 1 recognition call, got %d", engine.callCount())
	}

	// The same capture uploaded again reuses the frame row and skips
	// recognition.
	replayPath := stageCapture(t, p.store.(*storage.CaptureStore), "chrome_1700000000000.jpg")
	if err := p.processLanding(ctx, replayPath); err != nil {
		t.Fatalf("Failed to process replayed capture: %v", err)
	}
	results, err = frames.Search(ctx, database.SearchParams{Text: "hello"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Replay duplicated the frame, got %d rows", len(results))
	}
	if engine.callCount() != 1 {
		t.Errorf("Replay re-ran recognition, %d calls", engine.callCount())
	}
}

func TestPipeline_ProcessLanding_NoText(t *testing.T) {
	engine := &fakeEngine{} // empty token slice
	p, frames, _ := setupPipeline(t, engine, Config{})
	ctx := context.Background()

	landingPath := stageCapture(t, p.store.(*storage.CaptureStore), "chrome_1700000000000.jpg")
	if err := p.processLanding(ctx, landingPath); err != nil {
		t.Fatalf("Failed to process capture: %v", err)
	}

	// Frame counts as processed via the sentinel row.
	without, err := frames.FramesWithoutOCR(ctx)
	if err != nil {
		t.Fatalf("Failed to list frames without OCR: %v", err)
	}
	if len(without) != 0 {
		t.Errorf("Expected no unprocessed frames, got %d", len(without))
	}
}

func TestPipeline_ProcessLanding_BadName(t *testing.T) {
	engine := &fakeEngine{}
	p, _, _ := setupPipeline(t, engine, Config{})

	landingPath := stageCapture(t, p.store.(*storage.CaptureStore), "noseparator.jpg")
	if err := p.processLanding(context.Background(), landingPath); err == nil {
		t.Fatal("Expected malformed name to fail")
	}
	if engine.callCount() != 0 {
		t.Error("Recognition should not run for malformed names")
	}
}

func TestPipeline_EnqueueFull(t *testing.T) {
	p, _, _ := setupPipeline(t, &fakeEngine{}, Config{QueueSize: 1})

	if err := p.Enqueue("/a.jpg"); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}
	if err := p.Enqueue("/b.jpg"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got: %v", err)
	}
}

func TestPipeline_RunDrainsQueue(t *testing.T) {
	text := "drained"
	engine := &fakeEngine{tokens: []models.OCRToken{
		{X: 1, Y: 1, W: 30, H: 10, Text: &text, Conf: 0.9},
	}}
	p, frames, store := setupPipeline(t, engine, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		ts := 1700000000000 + int64(i)*1000
		path := stageCapture(t, store, "chrome_"+strconv.FormatInt(ts, 10)+".jpg")
		if err := p.Enqueue(path); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		results, err := frames.Search(ctx, database.SearchParams{Text: "drained"})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Queue never drained, got %d frames", len(results))
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestPipeline_RecoverLanding(t *testing.T) {
	p, _, store := setupPipeline(t, &fakeEngine{}, Config{QueueSize: 16})

	stageCapture(t, store, "chrome_1700000000000.jpg")
	stageCapture(t, store, "mail_1700000001000.jpg")

	n, err := p.RecoverLanding(context.Background())
	if err != nil {
		t.Fatalf("Failed to recover: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 recovered files, got %d", n)
	}
}

func TestPipeline_ReconcileStore(t *testing.T) {
	text := "recovered"
	engine := &fakeEngine{tokens: []models.OCRToken{
		{X: 1, Y: 1, W: 30, H: 10, Text: &text, Conf: 0.9},
	}}
	p, frames, store := setupPipeline(t, engine, Config{})
	ctx := context.Background()

	// A file promoted by a previous run that never got its frame row.
	landingPath := stageCapture(t, store, "chrome_1700000000000.jpg")
	if _, err := store.Promote(landingPath, "chrome", time.UnixMilli(1700000000000)); err != nil {
		t.Fatalf("Failed to promote: %v", err)
	}

	if err := p.ReconcileStore(ctx); err != nil {
		t.Fatalf("Failed to reconcile store: %v", err)
	}

	results, err := frames.Search(ctx, database.SearchParams{Text: "recovered"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 reconciled frame, got %d", len(results))
	}
	if results[0].Frame.Application != "chrome" {
		t.Errorf("Frame metadata wrong: %+v", results[0].Frame)
	}
	if engine.callCount() != 1 {
		t.Errorf("Expected 1 recognition call, got %d", engine.callCount())
	}

	// A second pass finds nothing to repair.
	if err := p.ReconcileStore(ctx); err != nil {
		t.Fatalf("Failed to reconcile clean store: %v", err)
	}
	if engine.callCount() != 1 {
		t.Errorf("Clean pass re-ran recognition, %d calls", engine.callCount())
	}
}

func TestPipeline_RunReconciler_RetriesFailedRecognition(t *testing.T) {
	text := "retried"
	engine := &fakeEngine{err: errors.New("engine down"), tokens: []models.OCRToken{
		{X: 1, Y: 1, W: 30, H: 10, Text: &text, Conf: 0.9},
	}}
	p, frames, store := setupPipeline(t, engine, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The frame row lands, the recognition call fails.
	landingPath := stageCapture(t, store, "chrome_1700000000000.jpg")
	if err := p.processLanding(ctx, landingPath); err == nil {
		t.Fatal("Expected recognition failure to surface")
	}
	without, err := frames.FramesWithoutOCR(ctx)
	if err != nil {
		t.Fatalf("Failed to list frames without OCR: %v", err)
	}
	if len(without) != 1 {
		t.Fatalf("Expected 1 token-less frame, got %d", len(without))
	}

	// Engine back up; the running reconciler repairs the frame without a
	// process restart.
	engine.mu.Lock()
	engine.err = nil
	engine.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.RunReconciler(ctx, 10*time.Millisecond) }()

	deadline := time.After(5 * time.Second)
	for {
		results, err := frames.Search(ctx, database.SearchParams{Text: "retried"})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Reconciler never repaired the frame")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got: %v", err)
	}
}

func TestPipeline_RecordObserved(t *testing.T) {
	engine := &fakeEngine{}
	p, frames, _ := setupPipeline(t, engine, Config{})
	ctx := context.Background()

	text := "remote"
	observed := []ObservedFrame{
		{Timestamp: 1000, Application: "chrome", SourceID: 1, Tokens: []models.OCRToken{
			{X: 1, Y: 1, W: 30, H: 10, Text: &text, Conf: 0.9},
		}},
		{Timestamp: 2000, Application: "chrome", SourceID: 2}, // no text on device
	}

	ids, err := p.RecordObserved(ctx, "deviceA", observed)
	if err != nil {
		t.Fatalf("Failed to record observed frames: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 ids, got %d", len(ids))
	}
	if engine.callCount() != 0 {
		t.Error("Observed frames must not trigger local recognition")
	}

	// Replay must return the same ids and leave token counts unchanged.
	replayIDs, err := p.RecordObserved(ctx, "deviceA", observed)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	for i := range ids {
		if ids[i] != replayIDs[i] {
			t.Errorf("Replay id mismatch at %d: %d vs %d", i, ids[i], replayIDs[i])
		}
	}

	tokens, err := frames.TokensForFrames(ctx, ids)
	if err != nil {
		t.Fatalf("Failed to fetch tokens: %v", err)
	}
	if len(tokens[ids[0]]) != 1 {
		t.Errorf("Expected 1 token on first frame, got %d", len(tokens[ids[0]]))
	}
	if len(tokens[ids[1]]) != 1 || !tokens[ids[1]][0].IsSentinel() {
		t.Errorf("Expected sentinel on second frame, got %+v", tokens[ids[1]])
	}

	frame, err := frames.GetFrame(ctx, ids[0])
	if err != nil {
		t.Fatalf("Failed to get frame: %v", err)
	}
	if frame.Path != models.PathNone {
		t.Errorf("Observed frame should have no local path, got %s", frame.Path)
	}

	if _, err := p.RecordObserved(ctx, "", observed); err == nil {
		t.Error("Expected empty source to be rejected")
	}
}
