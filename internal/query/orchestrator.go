package query

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/indexer"
	"github.com/retracehq/retrace/internal/llm"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/vectordb"
)

// NoSourcesResult is stored when retrieval returns nothing; the query still
// finishes so devices stop polling it.
const NoSourcesResult = "No relevant sources indexed"

// InvalidStrategyResult is stored for an unknown strategy prefix.
const InvalidStrategyResult = "Invalid query type"

const (
	defaultMaxResults     = 100
	defaultBasicContexts  = 20
	defaultLongContexts   = 10
	defaultContextBuffer  = 5
	defaultSubQuestions   = 4
	defaultSessionGapSecs = 120
	defaultPollInterval   = 5 * time.Second
	defaultTimeout        = 10 * time.Minute
)

type Config struct {
	MaxResults        int
	BasicContexts     int
	LongContexts      int
	ContextBuffer     int
	SubQuestions      int
	SessionGapSeconds int64
	MinConfidence     float64
	PollInterval      time.Duration
	Timeout           time.Duration

	// SelfApplication is this system's own companion app; its captures are
	// excluded from retrieval unless the query names applications explicitly.
	SelfApplication string
}

// Orchestrator answers submitted queries asynchronously: retrieval against
// the vector index, then generation, then an atomic finish on the query row.
type Orchestrator struct {
	queries   *database.QueryRepo
	frames    *database.FrameRepo
	index     vectordb.Index
	generator llm.Generator
	cfg       Config
}

func NewOrchestrator(queries *database.QueryRepo, frames *database.FrameRepo, index vectordb.Index, generator llm.Generator, cfg Config) *Orchestrator {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.BasicContexts <= 0 {
		cfg.BasicContexts = defaultBasicContexts
	}
	if cfg.LongContexts <= 0 {
		cfg.LongContexts = defaultLongContexts
	}
	if cfg.ContextBuffer <= 0 {
		cfg.ContextBuffer = defaultContextBuffer
	}
	if cfg.SubQuestions <= 0 {
		cfg.SubQuestions = defaultSubQuestions
	}
	if cfg.SessionGapSeconds <= 0 {
		cfg.SessionGapSeconds = defaultSessionGapSecs
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = indexer.DefaultMinConfidence
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Orchestrator{
		queries:   queries,
		frames:    frames,
		index:     index,
		generator: generator,
		cfg:       cfg,
	}
}

// Submit records a query for asynchronous answering and returns its id.
func (o *Orchestrator) Submit(ctx context.Context, text string, contextStart, contextEnd *int64, contextApps []string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("empty query text")
	}
	return o.queries.InsertQuery(ctx, text, contextStart, contextEnd, contextApps)
}

// Run polls for unanswered queries until ctx is cancelled. A failed query
// stays unanswered and is retried on a later pass.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pending, err := o.queries.UnprocessedQueries(ctx)
		if err != nil {
			log.Printf("[QUERY] failed to list pending queries: %v", err)
		}
		for _, q := range pending {
			if err := o.Execute(ctx, q); err != nil {
				log.Printf("[QUERY] query %d failed: %v", q.ID, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type strategy string

const (
	strategyBasic       strategy = "b"
	strategyLongContext strategy = "l"
	strategyDecompose   strategy = "d"
	strategyCompetitive strategy = "a"
)

// parseStrategy splits an optional single-letter prefix ("b/", "l/", "d/",
// "a/") off the query text. Anything else, slashes included, is query text
// for the basic strategy.
func parseStrategy(text string) (strategy, string, bool) {
	prefix, rest, found := strings.Cut(text, "/")
	if !found {
		return strategyBasic, text, true
	}
	switch s := strategy(prefix); s {
	case strategyBasic, strategyLongContext, strategyDecompose, strategyCompetitive:
		return s, rest, true
	}
	if len(prefix) == 1 {
		return "", text, false
	}
	return strategyBasic, text, true
}

// Execute answers one query end to end. On backend failure the query is left
// unanswered and the error returned.
func (o *Orchestrator) Execute(ctx context.Context, q models.Query) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	strat, question, ok := parseStrategy(q.Text)
	if !ok {
		return o.queries.FinishQuery(ctx, q.ID, InvalidStrategyResult, nil)
	}

	filter, err := o.buildFilter(ctx, q)
	if err != nil {
		return err
	}

	var answer string
	var sources []int64
	switch strat {
	case strategyBasic:
		answer, sources, err = o.basic(ctx, question, filter)
	case strategyLongContext:
		answer, sources, err = o.longContext(ctx, question, filter)
	case strategyDecompose:
		answer, sources, err = o.decompose(ctx, question, filter)
	case strategyCompetitive:
		answer, sources, err = o.competitive(ctx, question, filter)
	}
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return o.queries.FinishQuery(ctx, q.ID, NoSourcesResult, nil)
	}
	return o.queries.FinishQuery(ctx, q.ID, answer, sources)
}

// buildFilter scopes retrieval to the query's context. Without an explicit
// application list, every known application except our own companion app is
// eligible.
func (o *Orchestrator) buildFilter(ctx context.Context, q models.Query) (vectordb.Filter, error) {
	filter := vectordb.Filter{}
	if q.ContextStartTimestamp != nil {
		filter.StartTimestamp = *q.ContextStartTimestamp
	}
	if q.ContextEndTimestamp != nil {
		filter.EndTimestamp = *q.ContextEndTimestamp
	}
	if len(q.ContextApplications) > 0 {
		filter.Applications = q.ContextApplications
		return filter, nil
	}

	apps, err := o.frames.Applications(ctx)
	if err != nil {
		return filter, err
	}
	for _, app := range apps {
		if app == o.cfg.SelfApplication {
			continue
		}
		filter.Applications = append(filter.Applications, app)
	}
	return filter, nil
}

func hitTimestamp(h vectordb.Hit) int64 {
	switch v := h.Metadata["timestamp"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func hitFrameID(h vectordb.Hit) int64 {
	id, err := strconv.ParseInt(h.ID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// retrieve runs the shared retrieval shaping: dedup identical documents,
// keep the closest hit per usage session, rank by distance, cap, then order
// chronologically for the prompt.
func (o *Orchestrator) retrieve(ctx context.Context, question string, filter vectordb.Filter, numContexts int) ([]vectordb.Hit, error) {
	hits, err := o.index.Query(ctx, question, filter, o.cfg.MaxResults)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var unique []vectordb.Hit
	for _, h := range hits {
		if seen[h.Document] {
			continue
		}
		seen[h.Document] = true
		unique = append(unique, h)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return hitTimestamp(unique[i]) < hitTimestamp(unique[j])
	})

	// One hit per usage session, closest wins.
	gapMillis := o.cfg.SessionGapSeconds * 1000
	var best []vectordb.Hit
	sessionStart := 0
	flush := func(end int) {
		closest := unique[sessionStart]
		for _, h := range unique[sessionStart+1 : end] {
			if h.Distance < closest.Distance {
				closest = h
			}
		}
		best = append(best, closest)
	}
	for i := 1; i < len(unique); i++ {
		if hitTimestamp(unique[i])-hitTimestamp(unique[i-1]) > gapMillis {
			flush(i)
			sessionStart = i
		}
	}
	flush(len(unique))

	sort.SliceStable(best, func(i, j int) bool { return best[i].Distance < best[j].Distance })
	if len(best) > numContexts {
		best = best[:numContexts]
	}
	sort.SliceStable(best, func(i, j int) bool {
		return hitTimestamp(best[i]) < hitTimestamp(best[j])
	})
	return best, nil
}

func sourceIDs(hits []vectordb.Hit) []int64 {
	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		if id := hitFrameID(h); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// basic concatenates the retrieved documents into one prompt.
func (o *Orchestrator) basic(ctx context.Context, question string, filter vectordb.Filter) (string, []int64, error) {
	hits, err := o.retrieve(ctx, question, filter, o.cfg.BasicContexts)
	if err != nil || len(hits) == 0 {
		return "", nil, err
	}

	var combined strings.Builder
	for _, h := range hits {
		combined.WriteString(contextSeparator)
		combined.WriteString(h.Document)
	}
	answer, err := o.generator.Generate(ctx, contextPrompt(combined.String(), question), 100)
	if err != nil {
		return "", nil, err
	}
	return answer, sourceIDs(hits), nil
}

// longContext answers once per retrieved frame using its same-application
// neighborhood, then summarizes the per-frame answers.
func (o *Orchestrator) longContext(ctx context.Context, question string, filter vectordb.Filter) (string, []int64, error) {
	hits, err := o.retrieve(ctx, question, filter, o.cfg.LongContexts)
	if err != nil || len(hits) == 0 {
		return "", nil, err
	}

	var responses []string
	for _, h := range hits {
		contextText, err := o.frameContext(ctx, hitFrameID(h))
		if err != nil {
			return "", nil, err
		}
		response, err := o.generator.Generate(ctx, contextPrompt(contextText, question), 200)
		if err != nil {
			return "", nil, err
		}
		responses = append(responses, response)
	}

	combined := strings.Join(responses, "\n"+strings.Repeat("-", 20)+"\n")
	answer, err := o.generator.Generate(ctx, summaryPrompt(combined, question), 200)
	if err != nil {
		return "", nil, err
	}
	return answer, sourceIDs(hits), nil
}

// frameContext rebuilds documents for a frame and its neighbors in capture
// order.
func (o *Orchestrator) frameContext(ctx context.Context, frameID int64) (string, error) {
	window, err := o.frames.NeighborFrames(ctx, frameID, o.cfg.ContextBuffer)
	if err != nil {
		return "", err
	}
	frameIDs := make([]int64, len(window))
	for i, f := range window {
		frameIDs[i] = f.ID
	}
	tokens, err := o.frames.TokensForFrames(ctx, frameIDs)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, f := range window {
		document := indexer.BuildDocument(f.Application, f.CaptureTime(), tokens[f.ID], o.cfg.MinConfidence)
		if document == "" {
			continue
		}
		b.WriteString(document)
	}
	return b.String(), nil
}

// decompose asks the generator for sub-questions, answers each with the long
// context strategy, and recomposes a final answer from the pairs.
func (o *Orchestrator) decompose(ctx context.Context, question string, filter vectordb.Filter) (string, []int64, error) {
	response, err := o.generator.Generate(ctx, decompositionPrompt(question, o.cfg.SubQuestions), 500)
	if err != nil {
		return "", nil, err
	}

	var subQuestions []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		subQuestions = append(subQuestions, line)
		if len(subQuestions) == o.cfg.SubQuestions {
			break
		}
	}

	var answers []subAnswer
	var allSources []int64
	seen := make(map[int64]bool)
	for _, sub := range subQuestions {
		answer, sources, err := o.longContext(ctx, sub, filter)
		if err != nil {
			return "", nil, err
		}
		if len(sources) == 0 {
			continue
		}
		answers = append(answers, subAnswer{Question: sub, Answer: answer})
		for _, id := range sources {
			if !seen[id] {
				seen[id] = true
				allSources = append(allSources, id)
			}
		}
	}
	if len(answers) == 0 {
		return "", nil, nil
	}

	final, err := o.generator.Generate(ctx, recompositionPrompt(question, answers), 500)
	if err != nil {
		return "", nil, err
	}
	return final, allSources, nil
}

// competitive runs every strategy and asks the generator to pick the best
// answer.
func (o *Orchestrator) competitive(ctx context.Context, question string, filter vectordb.Filter) (string, []int64, error) {
	methods := []struct {
		name string
		run  func(context.Context, string, vectordb.Filter) (string, []int64, error)
	}{
		{"Basic", o.basic},
		{"Long Context", o.longContext},
		{"Decomposition", o.decompose},
	}

	var answers []methodAnswer
	var allSources []int64
	seen := make(map[int64]bool)
	for _, m := range methods {
		answer, sources, err := m.run(ctx, question, filter)
		if err != nil {
			return "", nil, err
		}
		if len(sources) == 0 {
			continue
		}
		answers = append(answers, methodAnswer{Method: m.name, Answer: answer})
		for _, id := range sources {
			if !seen[id] {
				seen[id] = true
				allSources = append(allSources, id)
			}
		}
	}
	if len(answers) == 0 {
		return "", nil, nil
	}

	final, err := o.generator.Generate(ctx, competePrompt(question, answers), 250)
	if err != nil {
		return "", nil, err
	}
	return final, allSources, nil
}
