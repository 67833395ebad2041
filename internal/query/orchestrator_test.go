package query

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/vectordb"
)

type fakeIndex struct {
	hits    []vectordb.Hit
	err     error
	filters []vectordb.Filter
}

func (f *fakeIndex) Upsert(ctx context.Context, ids []string, documents []string, metadatas []map[string]any) error {
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, text string, filter vectordb.Filter, k int) ([]vectordb.Hit, error) {
	f.filters = append(f.filters, filter)
	return f.hits, f.err
}

func (f *fakeIndex) Count(ctx context.Context) (int, error) {
	return len(f.hits), nil
}

type fakeGenerator struct {
	prompts []string
	answer  string
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func hit(frameID, timestamp int64, distance float64, document string) vectordb.Hit {
	return vectordb.Hit{
		ID:       strconv.FormatInt(frameID, 10),
		Distance: distance,
		Document: document,
		Metadata: map[string]any{
			"frame_id":    frameID,
			"application": "chrome",
			"timestamp":   timestamp,
		},
	}
}

func setupOrchestrator(t *testing.T, index *fakeIndex, gen *fakeGenerator) (*Orchestrator, *database.QueryRepo, *database.FrameRepo) {
	t.Helper()

	db, err := database.NewDB(database.Config{Path: filepath.Join(t.TempDir(), "query_test.db")})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	locks, err := locking.NewStoreCoordinator(db.Conn())
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}

	queries := database.NewQueryRepo(db, locks)
	frames := database.NewFrameRepo(db, locks)
	o := NewOrchestrator(queries, frames, index, gen, Config{SelfApplication: "com-retracehq-companion"})
	return o, queries, frames
}

func submitAndGet(t *testing.T, o *Orchestrator, queries *database.QueryRepo, text string) models.Query {
	t.Helper()
	ctx := context.Background()

	id, err := o.Submit(ctx, text, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to submit query: %v", err)
	}
	q, err := queries.GetQuery(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get query: %v", err)
	}
	if err := o.Execute(ctx, *q); err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	q, err = queries.GetQuery(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get query: %v", err)
	}
	return *q
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		text     string
		strategy strategy
		question string
		ok       bool
	}{
		{"plain question", strategyBasic, "plain question", true},
		{"b/scoped question", strategyBasic, "scoped question", true},
		{"l/long question", strategyLongContext, "long question", true},
		{"d/decomposed", strategyDecompose, "decomposed", true},
		{"a/all of them", strategyCompetitive, "all of them", true},
		{"what/ever", strategyBasic, "what/ever", true},
		{"x/unknown", "", "x/unknown", false},
	}
	for _, tt := range tests {
		strat, question, ok := parseStrategy(tt.text)
		if strat != tt.strategy || question != tt.question || ok != tt.ok {
			t.Errorf("parseStrategy(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.text, strat, question, ok, tt.strategy, tt.question, tt.ok)
		}
	}
}

func TestExecute_Basic(t *testing.T) {
	index := &fakeIndex{hits: []vectordb.Hit{
		hit(1, 1000, 0.2, "doc one"),
		hit(2, 400_000, 0.1, "doc two"),
	}}
	gen := &fakeGenerator{answer: "the answer"}
	o, queries, _ := setupOrchestrator(t, index, gen)

	q := submitAndGet(t, o, queries, "what did I read")
	if !q.Answered() {
		t.Fatal("Expected query to be answered")
	}
	if *q.Result != "the answer" {
		t.Errorf("Unexpected result: %q", *q.Result)
	}
	// Both hits are in separate sessions, ordered chronologically.
	if len(q.SourceFrameIDs) != 2 || q.SourceFrameIDs[0] != 1 || q.SourceFrameIDs[1] != 2 {
		t.Errorf("Unexpected sources: %v", q.SourceFrameIDs)
	}
	if len(gen.prompts) != 1 {
		t.Fatalf("Expected 1 generation call, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "doc one") || !strings.Contains(gen.prompts[0], "doc two") {
		t.Errorf("Prompt missing context:\n%s", gen.prompts[0])
	}
	if !strings.Contains(gen.prompts[0], "what did I read") {
		t.Errorf("Prompt missing question:\n%s", gen.prompts[0])
	}
}

func TestExecute_NoSources(t *testing.T) {
	index := &fakeIndex{}
	gen := &fakeGenerator{answer: "should not be used"}
	o, queries, _ := setupOrchestrator(t, index, gen)

	q := submitAndGet(t, o, queries, "anything at all")
	if !q.Answered() {
		t.Fatal("Expected query to finish")
	}
	if *q.Result != NoSourcesResult {
		t.Errorf("Expected %q, got %q", NoSourcesResult, *q.Result)
	}
	if len(q.SourceFrameIDs) != 0 {
		t.Errorf("Expected no sources, got %v", q.SourceFrameIDs)
	}
	if len(gen.prompts) != 0 {
		t.Errorf("Generation must not run with no sources, got %d calls", len(gen.prompts))
	}
}

func TestExecute_InvalidStrategy(t *testing.T) {
	o, queries, _ := setupOrchestrator(t, &fakeIndex{}, &fakeGenerator{})

	q := submitAndGet(t, o, queries, "x/unknown strategy")
	if !q.Answered() {
		t.Fatal("Expected query to finish")
	}
	if *q.Result != InvalidStrategyResult {
		t.Errorf("Expected %q, got %q", InvalidStrategyResult, *q.Result)
	}
}

func TestExecute_GenerationFailureLeavesUnanswered(t *testing.T) {
	index := &fakeIndex{hits: []vectordb.Hit{hit(1, 1000, 0.2, "doc")}}
	gen := &fakeGenerator{err: errors.New("backend down")}
	o, queries, _ := setupOrchestrator(t, index, gen)
	ctx := context.Background()

	id, err := o.Submit(ctx, "question", nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	q, err := queries.GetQuery(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get query: %v", err)
	}
	if err := o.Execute(ctx, *q); err == nil {
		t.Fatal("Expected execution to fail")
	}

	q, err = queries.GetQuery(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get query: %v", err)
	}
	if q.Answered() {
		t.Error("Failed query must stay unanswered for retry")
	}
}

func TestExecute_SelfApplicationExcluded(t *testing.T) {
	index := &fakeIndex{}
	o, queries, frames := setupOrchestrator(t, index, &fakeGenerator{})
	ctx := context.Background()

	for i, app := range []string{"chrome", "mail", "com-retracehq-companion"} {
		if _, err := frames.InsertFrame(ctx, int64(1000+i), "/"+app+".jpg", app, "", 0); err != nil {
			t.Fatalf("Failed to insert frame: %v", err)
		}
	}

	submitAndGet(t, o, queries, "question")
	if len(index.filters) != 1 {
		t.Fatalf("Expected 1 index query, got %d", len(index.filters))
	}
	apps := index.filters[0].Applications
	if len(apps) != 2 {
		t.Fatalf("Expected 2 applications, got %v", apps)
	}
	for _, app := range apps {
		if app == "com-retracehq-companion" {
			t.Error("Companion app leaked into retrieval filter")
		}
	}
}

func TestExecute_ExplicitApplicationsKept(t *testing.T) {
	index := &fakeIndex{}
	o, queries, _ := setupOrchestrator(t, index, &fakeGenerator{})
	ctx := context.Background()

	id, err := o.Submit(ctx, "question", nil, nil, []string{"com-retracehq-companion"})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	q, err := queries.GetQuery(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get query: %v", err)
	}
	if err := o.Execute(ctx, *q); err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}

	if len(index.filters) != 1 || len(index.filters[0].Applications) != 1 ||
		index.filters[0].Applications[0] != "com-retracehq-companion" {
		t.Errorf("Explicit application scope lost: %+v", index.filters)
	}
}

func TestRetrieve_SessionSelection(t *testing.T) {
	// Session one: two hits 10s apart, the second closer. Session two starts
	// 200s later.
	index := &fakeIndex{hits: []vectordb.Hit{
		hit(1, 0, 0.5, "a"),
		hit(2, 10_000, 0.2, "b"),
		hit(3, 210_000, 0.4, "c"),
	}}
	o, _, _ := setupOrchestrator(t, index, &fakeGenerator{})

	hits, err := o.retrieve(context.Background(), "q", vectordb.Filter{}, 20)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 1 hit per session, got %d", len(hits))
	}
	if hits[0].ID != "2" || hits[1].ID != "3" {
		t.Errorf("Wrong session representatives: %s, %s", hits[0].ID, hits[1].ID)
	}
}

func TestRetrieve_DedupsDocuments(t *testing.T) {
	index := &fakeIndex{hits: []vectordb.Hit{
		hit(1, 0, 0.1, "same"),
		hit(2, 300_000, 0.2, "same"),
		hit(3, 600_000, 0.3, "different"),
	}}
	o, _, _ := setupOrchestrator(t, index, &fakeGenerator{})

	hits, err := o.retrieve(context.Background(), "q", vectordb.Filter{}, 20)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected duplicate document dropped, got %d hits", len(hits))
	}
}

func TestExecute_LongContext(t *testing.T) {
	index := &fakeIndex{hits: []vectordb.Hit{hit(0, 1000, 0.2, "doc")}}
	gen := &fakeGenerator{answer: "summary"}
	o, queries, frames := setupOrchestrator(t, index, gen)
	ctx := context.Background()

	// The hit's frame id must exist for the neighborhood lookup.
	text := "neighborhood text"
	frameID, err := frames.InsertFrame(ctx, 1000, "/a.jpg", "chrome", "", 0)
	if err != nil {
		t.Fatalf("Failed to insert frame: %v", err)
	}
	if err := frames.InsertOCRTokens(ctx, frameID, []models.OCRToken{
		{X: 0, Y: 0, W: 80, H: 10, Text: &text, Conf: 0.9},
	}); err != nil {
		t.Fatalf("Failed to insert tokens: %v", err)
	}
	index.hits = []vectordb.Hit{hit(frameID, 1000, 0.2, "doc")}

	q := submitAndGet(t, o, queries, "l/what happened")
	if !q.Answered() || *q.Result != "summary" {
		t.Fatalf("Unexpected result: %+v", q.Result)
	}
	// One per-frame generation plus the final summary.
	if len(gen.prompts) != 2 {
		t.Fatalf("Expected 2 generation calls, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "neighborhood text") {
		t.Errorf("Per-frame prompt missing rebuilt context:\n%s", gen.prompts[0])
	}
}
