package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/retracehq/retrace/internal/llm"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/vectordb"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dbPath := envOr("DB_PATH", "./retrace.db")
	ocrURL := envOr("OCR_URL", "http://localhost:9292")
	indexURL := envOr("VECTORDB_URL", "http://localhost:8000")
	indexCollection := envOr("VECTORDB_COLLECTION", "screen_captures")
	llmURL := envOr("LLM_URL", "http://localhost:8081")
	llmKey := os.Getenv("LLM_API_KEY")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("🔍 Checking Retrace Backends")
	fmt.Println("============================")

	engine := ocr.NewHTTPEngine(ocrURL)
	if err := engine.Ping(ctx); err != nil {
		fmt.Printf("❌ OCR service unreachable at %s: %v\n", ocrURL, err)
	} else {
		fmt.Printf("✅ OCR service: %s\n", ocrURL)
	}

	index := vectordb.NewChromaClient(indexURL, indexCollection)
	if err := index.Ping(ctx); err != nil {
		fmt.Printf("❌ Vector index unreachable at %s: %v\n", indexURL, err)
	} else {
		count, err := index.Count(ctx)
		if err != nil {
			fmt.Printf("⚠️  Vector index reachable but collection %q failed: %v\n", indexCollection, err)
		} else {
			fmt.Printf("✅ Vector index: %s (%d documents in %q)\n", indexURL, count, indexCollection)
		}
	}

	if llmKey == "" {
		fmt.Println("⚠️  WARNING: LLM_API_KEY not set, queries will fail")
	}
	generator := llm.NewOpenAIClient(llmURL, llmKey, os.Getenv("LLM_MODEL"))
	if err := generator.Ping(ctx); err != nil {
		fmt.Printf("❌ LLM service unreachable at %s: %v\n", llmURL, err)
	} else {
		fmt.Printf("✅ LLM service: %s\n", llmURL)
	}

	fmt.Println()

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer db.Close()

	var frameCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&frameCount); err != nil {
		fmt.Println("❌ No frames table found (server not yet started?)")
		return
	}
	fmt.Printf("🖼️  Total frames: %d\n", frameCount)

	var pending int
	err = db.QueryRow(`
		SELECT COUNT(DISTINCT frames.id)
		FROM frames
		INNER JOIN ocr_tokens ON frames.id = ocr_tokens.frame_id
		WHERE NOT frames.index_processed`).Scan(&pending)
	if err != nil {
		log.Fatal("Failed to count pending frames:", err)
	}
	fmt.Printf("📊 Frames awaiting indexing: %d\n", pending)

	var unanswered int
	err = db.QueryRow("SELECT COUNT(*) FROM queries WHERE result IS NULL").Scan(&unanswered)
	if err != nil {
		log.Fatal("Failed to count queries:", err)
	}
	fmt.Printf("💬 Unanswered queries: %d\n", unanswered)
}
