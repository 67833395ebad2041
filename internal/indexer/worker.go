package indexer

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"time"

	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/locking"
	"github.com/retracehq/retrace/internal/vectordb"
)

const (
	defaultInterval  = 120 * time.Second
	defaultBatchSize = 1000
)

type Config struct {
	Interval      time.Duration
	BatchSize     int
	MinConfidence float64
}

// Worker periodically drains unindexed frames into the vector index. The
// index add and the watermark are not atomic; the add runs first, so a crash
// between them re-ingests rather than drops. Upserts make the replay harmless.
type Worker struct {
	frames *database.FrameRepo
	index  vectordb.Index
	locks  locking.Coordinator
	cfg    Config
}

func NewWorker(frames *database.FrameRepo, index vectordb.Index, locks locking.Coordinator, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	return &Worker{frames: frames, index: index, locks: locks, cfg: cfg}
}

// Run loops RunOnce on the configured interval until ctx is cancelled. The
// first pass is delayed by a random fraction of the interval so several
// processes sharing a store do not ingest in lockstep.
func (w *Worker) Run(ctx context.Context) error {
	jitter := time.Duration(rand.Int63n(int64(w.cfg.Interval)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := w.RunOnce(ctx); err != nil {
			log.Printf("[INDEXER] ingest pass failed: %v", err)
		} else if n > 0 {
			log.Printf("[INDEXER] indexed %d frames", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce ingests every pending frame in capture order, batched, under the
// index lock. Returns the number of documents added.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	indexed := 0
	err := w.locks.WithLock(ctx, locking.LockVectorDB, func() error {
		// Consecutive captures of an unchanged screen reconstruct to the same
		// body; only the first of a run is embedded. The header changes with
		// every capture time, so the lookback compares bodies. It survives
		// batch boundaries within a pass.
		lastApplication, lastBody := "", ""
		for {
			frames, err := w.frames.FramesPendingIndex(ctx, w.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(frames) == 0 {
				return nil
			}

			frameIDs := make([]int64, len(frames))
			for i, f := range frames {
				frameIDs[i] = f.ID
			}
			tokens, err := w.frames.TokensForFrames(ctx, frameIDs)
			if err != nil {
				return err
			}

			var ids, documents []string
			var metadatas []map[string]any
			for _, f := range frames {
				body := BuildBody(tokens[f.ID], w.cfg.MinConfidence)
				if body == "" || (f.Application == lastApplication && body == lastBody) {
					continue
				}
				ids = append(ids, strconv.FormatInt(f.ID, 10))
				documents = append(documents, documentHeader(f.Application, f.CaptureTime())+body)
				metadatas = append(metadatas, map[string]any{
					"frame_id":    f.ID,
					"application": f.Application,
					"timestamp":   f.Timestamp,
				})
				lastApplication, lastBody = f.Application, body
			}

			if len(ids) > 0 {
				if err := w.index.Upsert(ctx, ids, documents, metadatas); err != nil {
					return err
				}
				indexed += len(ids)
			}
			// Skipped frames advance the watermark too; their text is either
			// empty or already present under an earlier frame's id.
			if err := w.frames.MarkIndexProcessed(ctx, frameIDs); err != nil {
				return err
			}

			if len(frames) < w.cfg.BatchSize {
				return nil
			}
		}
	})
	return indexed, err
}
