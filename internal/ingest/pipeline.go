package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/retracehq/retrace/internal/database"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/storage"
)

// ErrQueueFull signals a transient overload; the uploader should retry later.
var ErrQueueFull = errors.New("ingest queue is full")

const defaultQueueSize = 256

type Config struct {
	QueueSize int
	Workers   int
}

// Pipeline turns staged uploads into frame rows with OCR tokens. Recognition
// runs on the worker goroutine without holding the store lock; only the two
// short inserts take it.
type Pipeline struct {
	frames *database.FrameRepo
	store  storage.Store
	engine ocr.Engine

	queue   chan string
	workers int
}

func NewPipeline(frames *database.FrameRepo, store storage.Store, engine ocr.Engine, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Pipeline{
		frames:  frames,
		store:   store,
		engine:  engine,
		queue:   make(chan string, cfg.QueueSize),
		workers: cfg.Workers,
	}
}

// ParseCaptureName extracts the application and capture timestamp from a
// capture file name of the form <application>_<epochms>.jpg. The application
// may itself contain underscores; the timestamp is everything after the last.
func ParseCaptureName(filename string) (string, int64, error) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	sep := strings.LastIndex(base, "_")
	if sep <= 0 || sep == len(base)-1 {
		return "", 0, fmt.Errorf("malformed capture name %q", filename)
	}
	timestamp, err := strconv.ParseInt(base[sep+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed capture timestamp in %q: %w", filename, err)
	}
	return base[:sep], timestamp, nil
}

// Enqueue hands a staged landing file to the worker pool without blocking.
func (p *Pipeline) Enqueue(landingPath string) error {
	select {
	case p.queue <- landingPath:
		return nil
	default:
		return ErrQueueFull
	}
}

// RecoverLanding enqueues every file left in the staging directory by a
// previous run. Blocks until all are queued or ctx is cancelled; returns the
// number queued.
func (p *Pipeline) RecoverLanding(ctx context.Context) (int, error) {
	paths, err := p.store.LandingFiles()
	if err != nil {
		return 0, err
	}
	for i, path := range paths {
		select {
		case p.queue <- path:
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(paths), nil
}

// ReconcileStore makes every promoted capture file visible again after a
// crash: files missing their frame row get one, then frames missing
// recognition are re-run through the engine. Inserts are idempotent, so a
// clean store is a no-op pass.
func (p *Pipeline) ReconcileStore(ctx context.Context) error {
	paths, err := p.store.CaptureFiles()
	if err != nil {
		return err
	}
	for _, path := range paths {
		application, timestamp, err := ParseCaptureName(filepath.Base(path))
		if err != nil {
			log.Printf("[INGEST] skipping unrecognized capture file %s: %v", path, err)
			continue
		}
		if _, err := p.frames.InsertFrame(ctx, timestamp, path, application, "", 0); err != nil {
			return err
		}
	}

	return p.recognizePending(ctx)
}

// recognizePending re-runs recognition for every stored frame without token
// rows, picking up frames whose OCR failed while the engine was unreachable.
func (p *Pipeline) recognizePending(ctx context.Context) error {
	pending, err := p.frames.FramesWithoutOCR(ctx)
	if err != nil {
		return err
	}
	for _, frame := range pending {
		if frame.Path == models.PathNone {
			continue
		}
		tokens, err := p.engine.Recognize(ctx, frame.Path)
		if err != nil {
			log.Printf("[INGEST] failed to recognize %s: %v", frame.Path, err)
			continue
		}
		if err := p.frames.InsertOCRTokens(ctx, frame.ID, tokens); err != nil {
			return err
		}
	}
	return nil
}

// RunReconciler repeats the recognition repair on the given interval until
// ctx is cancelled, so a transient engine outage never strands a frame until
// the next restart.
func (p *Pipeline) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.recognizePending(ctx); err != nil {
				log.Printf("[INGEST] recognition repair pass failed: %v", err)
			}
		}
	}
}

// Run consumes the queue with a bounded worker pool until ctx is cancelled.
// Individual file failures are logged and skipped; a file that never left the
// staging directory is re-enqueued at the next startup, and a promoted frame
// left without tokens is repaired by the reconciler loop.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case path := <-p.queue:
					if err := p.processLanding(ctx, path); err != nil {
						log.Printf("[INGEST] failed to process %s: %v", path, err)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pipeline) processLanding(ctx context.Context, landingPath string) error {
	application, timestamp, err := ParseCaptureName(filepath.Base(landingPath))
	if err != nil {
		return err
	}

	destPath, err := p.store.Promote(landingPath, application, time.UnixMilli(timestamp))
	if err != nil {
		return fmt.Errorf("failed to promote capture: %w", err)
	}

	frameID, err := p.frames.InsertFrame(ctx, timestamp, destPath, application, "", 0)
	if err != nil {
		return err
	}

	// A recovered duplicate may already carry tokens.
	existing, err := p.frames.TokensForFrames(ctx, []int64{frameID})
	if err != nil {
		return err
	}
	if len(existing[frameID]) > 0 {
		return nil
	}

	tokens, err := p.engine.Recognize(ctx, destPath)
	if err != nil {
		return fmt.Errorf("failed to recognize %s: %w", destPath, err)
	}
	return p.frames.InsertOCRTokens(ctx, frameID, tokens)
}

// ObservedFrame is a device-recorded frame whose pixels stay on the device.
// Tokens were recognized device-side and arrive with the metadata.
type ObservedFrame struct {
	Timestamp   int64
	Application string
	SourceID    int64
	Tokens      []models.OCRToken
}

// RecordObserved stores device frames without any local recognition. Returns
// the store id assigned to each frame, in input order. Replays of frames the
// store already holds are absorbed without duplicating token rows.
func (p *Pipeline) RecordObserved(ctx context.Context, source string, frames []ObservedFrame) ([]int64, error) {
	if source == "" {
		return nil, fmt.Errorf("observed frames require a source")
	}

	ids := make([]int64, 0, len(frames))
	for _, f := range frames {
		frameID, err := p.frames.InsertFrame(ctx, f.Timestamp, models.PathNone, f.Application, source, f.SourceID)
		if err != nil {
			return ids, err
		}
		ids = append(ids, frameID)

		existing, err := p.frames.TokensForFrames(ctx, []int64{frameID})
		if err != nil {
			return ids, err
		}
		if len(existing[frameID]) > 0 {
			continue
		}
		if err := p.frames.InsertOCRTokens(ctx, frameID, f.Tokens); err != nil {
			return ids, err
		}
	}
	return ids, nil
}
