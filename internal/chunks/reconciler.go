package chunks

import (
	"context"
	"fmt"

	"github.com/retracehq/retrace/internal/database"
)

// Reconciler links uploaded video chunks to the frames they compress. Devices
// report chunk membership in their own frame ids; reconciliation translates
// them and assigns offsets in the reported order.
type Reconciler struct {
	frames *database.FrameRepo
}

func NewReconciler(frames *database.FrameRepo) *Reconciler {
	return &Reconciler{frames: frames}
}

// Reconcile records a chunk and attaches the device's frames to it. The
// assignment is all-or-nothing: when any reported frame is unknown the chunk
// row stays but no frame is linked, so the device can re-sync the missing
// frames and retry. Replays are safe: the chunk insert is idempotent and
// reassignment writes the same offsets.
func (r *Reconciler) Reconcile(ctx context.Context, source, chunkPath string, sourceFrameIDs []int64, chunkSourceID int64) (int64, error) {
	if source == "" {
		return 0, fmt.Errorf("chunk reconciliation requires a source")
	}

	chunkID, err := r.frames.InsertVideoChunk(ctx, chunkPath, source, chunkSourceID)
	if err != nil {
		return 0, err
	}

	translated, err := r.frames.TranslateIDs(ctx, "frames", source, sourceFrameIDs)
	if err != nil {
		return 0, err
	}

	frameIDs := make([]int64, 0, len(translated))
	skipped := 0
	for _, id := range translated {
		if !id.Valid {
			skipped++
			continue
		}
		frameIDs = append(frameIDs, id.Int64)
	}
	if skipped > 0 {
		return chunkID, fmt.Errorf("chunk %d references %d unknown frames from %s", chunkID, skipped, source)
	}

	if err := r.frames.AssignVideoChunk(ctx, chunkID, frameIDs); err != nil {
		return chunkID, err
	}
	return chunkID, nil
}
