package propagation

import (
	"context"
	"image"

	"github.com/tphakala/trackfill/internal/annotation"
)

// EstimateOptions are passed through to the detector unchanged.
type EstimateOptions struct {
	ReturnTensors  bool
	FlipHorizontal bool
	AnnotateBoxes  bool
}

// frameEstimateOptions is what the engine requests for every frame.
var frameEstimateOptions = EstimateOptions{
	ReturnTensors:  false,
	FlipHorizontal: false,
	AnnotateBoxes:  true,
}

// Detector finds candidate boxes in a single frame. The engine owns its
// detector and calls Close once after finalize.
type Detector interface {
	Estimate(ctx context.Context, frame image.Image, opts EstimateOptions) ([]annotation.Detection, error)
	Close() error
}

// Store persists drafts and links them into a track.
type Store interface {
	// CreateLocalizations creates drafts in one batch and returns the new ids
	// in request order.
	CreateLocalizations(ctx context.Context, project int64, drafts []annotation.Draft) ([]int64, error)
	// AppendToTrack adds ids to the track's member set.
	AppendToTrack(ctx context.Context, trackID int64, ids []int64) error
}

// Refresher signals that cached data for a category is stale.
type Refresher interface {
	Refresh(ctx context.Context, category string) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, category string) error

func (f RefresherFunc) Refresh(ctx context.Context, category string) error {
	return f(ctx, category)
}
