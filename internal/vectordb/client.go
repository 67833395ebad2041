package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Index is the vector store used for semantic retrieval over reconstructed
// frame documents.
type Index interface {
	Upsert(ctx context.Context, ids []string, documents []string, metadatas []map[string]any) error
	Query(ctx context.Context, text string, filter Filter, k int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
}

// Filter narrows a query to a time range and an application set. Zero values
// mean unfiltered.
type Filter struct {
	Applications   []string
	StartTimestamp int64 // epoch milliseconds, inclusive
	EndTimestamp   int64 // epoch milliseconds, inclusive
}

// Hit is one retrieved document, closest first by distance.
type Hit struct {
	ID       string
	Distance float64
	Document string
	Metadata map[string]any
}

// ChromaClient talks to a chromadb server over its v1 HTTP API. The
// collection is created on first use and resolved to its UUID once.
type ChromaClient struct {
	baseURL    string
	collection string
	httpClient *http.Client

	collectionID string
}

func NewChromaClient(baseURL, collection string) *ChromaClient {
	return &ChromaClient{
		baseURL:    baseURL,
		collection: collection,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *ChromaClient) post(ctx context.Context, path string, reqBody, respBody any) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("index endpoint returned status %d: %s", resp.StatusCode, body)
	}
	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// ensureCollection resolves the collection's UUID, creating it if needed.
func (c *ChromaClient) ensureCollection(ctx context.Context) error {
	if c.collectionID != "" {
		return nil
	}

	var created struct {
		ID string `json:"id"`
	}
	err := c.post(ctx, "/api/v1/collections", map[string]any{
		"name":          c.collection,
		"get_or_create": true,
	}, &created)
	if err != nil {
		return fmt.Errorf("failed to open collection %q: %w", c.collection, err)
	}
	if created.ID == "" {
		return fmt.Errorf("collection %q resolved to empty id", c.collection)
	}
	c.collectionID = created.ID
	return nil
}

func (c *ChromaClient) Upsert(ctx context.Context, ids []string, documents []string, metadatas []map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(documents) || len(ids) != len(metadatas) {
		return fmt.Errorf("mismatched upsert lengths: %d ids, %d documents, %d metadatas",
			len(ids), len(documents), len(metadatas))
	}
	if err := c.ensureCollection(ctx); err != nil {
		return err
	}

	return c.post(ctx, "/api/v1/collections/"+c.collectionID+"/upsert", map[string]any{
		"ids":       ids,
		"documents": documents,
		"metadatas": metadatas,
	}, nil)
}

// where builds the chroma filter document; nil when the filter is empty.
func (f Filter) where() map[string]any {
	var clauses []map[string]any
	if len(f.Applications) > 0 {
		clauses = append(clauses, map[string]any{
			"application": map[string]any{"$in": f.Applications},
		})
	}
	if f.StartTimestamp > 0 {
		clauses = append(clauses, map[string]any{
			"timestamp": map[string]any{"$gte": f.StartTimestamp},
		})
	}
	if f.EndTimestamp > 0 {
		clauses = append(clauses, map[string]any{
			"timestamp": map[string]any{"$lte": f.EndTimestamp},
		})
	}
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	default:
		return map[string]any{"$and": clauses}
	}
}

func (c *ChromaClient) Query(ctx context.Context, text string, filter Filter, k int) ([]Hit, error) {
	if err := c.ensureCollection(ctx); err != nil {
		return nil, err
	}

	reqBody := map[string]any{
		"query_texts": []string{text},
		"n_results":   k,
		"include":     []string{"documents", "metadatas", "distances"},
	}
	if where := filter.where(); where != nil {
		reqBody["where"] = where
	}

	var queryResp struct {
		IDs       [][]string         `json:"ids"`
		Distances [][]float64        `json:"distances"`
		Documents [][]string         `json:"documents"`
		Metadatas [][]map[string]any `json:"metadatas"`
	}
	if err := c.post(ctx, "/api/v1/collections/"+c.collectionID+"/query", reqBody, &queryResp); err != nil {
		return nil, err
	}
	if len(queryResp.IDs) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(queryResp.IDs[0]))
	for i, id := range queryResp.IDs[0] {
		hit := Hit{ID: id}
		if len(queryResp.Distances) > 0 && i < len(queryResp.Distances[0]) {
			hit.Distance = queryResp.Distances[0][i]
		}
		if len(queryResp.Documents) > 0 && i < len(queryResp.Documents[0]) {
			hit.Document = queryResp.Documents[0][i]
		}
		if len(queryResp.Metadatas) > 0 && i < len(queryResp.Metadatas[0]) {
			hit.Metadata = queryResp.Metadatas[0][i]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (c *ChromaClient) Count(ctx context.Context) (int, error) {
	if err := c.ensureCollection(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/collections/"+c.collectionID+"/count", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("index endpoint returned status %d", resp.StatusCode)
	}

	var count int
	if err := json.Unmarshal(body, &count); err != nil {
		return 0, fmt.Errorf("failed to unmarshal count: %w", err)
	}
	return count, nil
}

// Ping verifies the index server heartbeat.
func (c *ChromaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach index endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("index endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
