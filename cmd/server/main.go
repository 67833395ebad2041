package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/retracehq/retrace/internal/api"
	"github.com/retracehq/retrace/internal/chunks"
	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/indexer"
	"github.com/retracehq/retrace/internal/ingest"
	"github.com/retracehq/retrace/internal/llm"
	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/query"
	"github.com/retracehq/retrace/internal/storage"
	"github.com/retracehq/retrace/internal/vectordb"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("Invalid %s: %v", key, err)
	}
	return n
}

func main() {
	port := envOr("PORT", "6000")
	dbPath := envOr("DB_PATH", "./retrace.db")
	captureDir := envOr("CAPTURE_DIR", "./captures")
	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		log.Fatal("API_KEY must be set")
	}

	maxUploadSize := envInt("MAX_UPLOAD_SIZE", 104857600)
	ingestWorkers := envInt("INGEST_WORKERS", 0)
	ingestQueueSize := envInt("INGEST_QUEUE_SIZE", 0)
	indexInterval := time.Duration(envInt("INDEX_INTERVAL_SECONDS", 120)) * time.Second
	indexBatchSize := envInt("INDEX_BATCH_SIZE", 1000)
	sessionGap := envInt("SESSION_GAP_SECONDS", 120)
	reconcileInterval := time.Duration(envInt("RECONCILE_INTERVAL_SECONDS", 120)) * time.Second

	minConfidence := 0.0
	if v := os.Getenv("OCR_MIN_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("Invalid OCR_MIN_CONFIDENCE: %v", err)
		}
		minConfidence = f
	}

	ocrURL := envOr("OCR_URL", "http://localhost:9292")
	indexURL := envOr("VECTORDB_URL", "http://localhost:8000")
	indexCollection := envOr("VECTORDB_COLLECTION", "screen_captures")
	llmURL := envOr("LLM_URL", "http://localhost:8081")
	llmKey := os.Getenv("LLM_API_KEY")
	llmModel := os.Getenv("LLM_MODEL")
	selfApplication := envOr("SELF_APPLICATION", "com-retracehq-companion")

	store, err := storage.NewCaptureStore(captureDir)
	if err != nil {
		log.Fatal("Failed to initialize capture store:", err)
	}

	db, err := database.NewDB(database.Config{Path: dbPath})
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	locks, err := locking.NewStoreCoordinator(db.Conn())
	if err != nil {
		log.Fatal("Failed to initialize lock coordinator:", err)
	}
	defer locks.Close()

	frameRepo := database.NewFrameRepo(db, locks)
	queryRepo := database.NewQueryRepo(db, locks)
	syncRepo := database.NewSyncRepo(db, locks)

	engine := ocr.NewHTTPEngine(ocrURL)
	index := vectordb.NewChromaClient(indexURL, indexCollection)
	generator := llm.NewOpenAIClient(llmURL, llmKey, llmModel)

	pipeline := ingest.NewPipeline(frameRepo, store, engine, ingest.Config{
		QueueSize: int(ingestQueueSize),
		Workers:   int(ingestWorkers),
	})
	worker := indexer.NewWorker(frameRepo, index, locks, indexer.Config{
		Interval:      indexInterval,
		BatchSize:     int(indexBatchSize),
		MinConfidence: minConfidence,
	})
	orchestrator := query.NewOrchestrator(queryRepo, frameRepo, index, generator, query.Config{
		SessionGapSeconds: sessionGap,
		MinConfidence:     minConfidence,
		SelfApplication:   selfApplication,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal("Ingest pipeline stopped:", err)
		}
	}()
	go func() {
		if err := pipeline.ReconcileStore(ctx); err != nil {
			log.Printf("[SERVER] store reconciliation incomplete: %v", err)
		}
		n, err := pipeline.RecoverLanding(ctx)
		if err != nil {
			log.Printf("[SERVER] landing recovery incomplete: %v", err)
		} else if n > 0 {
			log.Printf("[SERVER] recovered %d staged captures", n)
		}
		if err := pipeline.RunReconciler(ctx, reconcileInterval); err != nil && ctx.Err() == nil {
			log.Fatal("Store reconciler stopped:", err)
		}
	}()
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal("Index worker stopped:", err)
		}
	}()
	go func() {
		if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal("Query orchestrator stopped:", err)
		}
	}()

	app := &api.App{
		Frames:        frameRepo,
		Queries:       queryRepo,
		Sync:          syncRepo,
		Store:         store,
		Pipeline:      pipeline,
		Reconciler:    chunks.NewReconciler(frameRepo),
		Orchestrator:  orchestrator,
		APIKey:        apiKey,
		MaxUploadSize: maxUploadSize,
	}
	router := api.NewRouter(app)

	log.Printf("Server starting on port %s", port)
	log.Printf("Database path: %s", dbPath)
	log.Printf("Capture directory: %s", captureDir)
	log.Printf("Vector index: %s (%s)", indexURL, indexCollection)
	log.Printf("Max upload size: %d bytes", maxUploadSize)

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal(err)
	}
}
