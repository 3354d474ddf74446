// Package propagation carries a human-placed box forward through a video.
// An Engine resolves the track's most recent annotation for each frame, runs
// a detector on the frame, turns confident detections into drafts, and on
// Finalize commits the drafts to the track in one batch.
package propagation

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/observability/metrics"
)

const componentName = "propagation"

const (
	// DefaultMinConfidence is the score a detection must exceed to become a draft.
	DefaultMinConfidence = 0.90
	// DefaultSettleDelay is the pause between linking drafts and refreshing caches.
	DefaultSettleDelay = time.Second
)

// Geometry is the pixel size of the video frames.
type Geometry struct {
	Width  int
	Height int
}

// Options tunes engine behaviour. Zero values select the defaults.
type Options struct {
	// MinConfidence is a strict lower bound on the leading probability.
	MinConfidence float64
	// SettleDelay is waited after linking drafts, before refreshing.
	SettleDelay time.Duration
	// PreserveCorpusOrder keeps the track context in corpus order instead of
	// sorting it by frame.
	PreserveCorpusOrder bool
}

// Config is everything NewEngine needs.
type Config struct {
	Geometry  Geometry
	ProjectID int64
	MediaID   int64
	Seed      annotation.Annotation
	Track     annotation.Track
	Corpus    []annotation.Annotation
	Index     annotation.MembershipIndex

	Detector  Detector
	Store     Store
	Refresher Refresher // optional

	Logger  logger.Logger               // optional
	Metrics *metrics.PropagationMetrics // optional
	Options Options
}

// Outcome describes what ProcessFrame did with a frame.
type Outcome int

const (
	// OutcomeNoTemplate means no track annotation precedes the frame.
	OutcomeNoTemplate Outcome = iota
	// OutcomeTemplateFrame means the frame holds the template itself.
	OutcomeTemplateFrame
	// OutcomeProcessed means the detector ran; Drafts may still be empty.
	OutcomeProcessed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoTemplate:
		return metrics.OutcomeNoTemplate
	case OutcomeTemplateFrame:
		return metrics.OutcomeTemplateFrame
	case OutcomeProcessed:
		return metrics.OutcomeProcessed
	default:
		return "unknown"
	}
}

// FrameResult reports the outcome of one ProcessFrame call and the drafts it
// appended.
type FrameResult struct {
	Outcome    Outcome
	Frame      int
	TemplateID int64
	Candidates int
	Drafts     []annotation.Draft
}

// Engine propagates one track. ProcessFrame calls are serialized; the engine
// must not be reused after Finalize.
type Engine struct {
	geometry  Geometry
	projectID int64
	mediaID   int64
	trackCtx  TrackContext

	detector  Detector
	store     Store
	refresher Refresher

	log     logger.Logger
	metrics *metrics.PropagationMetrics
	opts    Options

	// wait is replaced in tests
	wait func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	drafts           []annotation.Draft
	lastTemplateType string
	sealed           bool
	warnedScale      bool

	releaseOnce sync.Once
}

// NewEngine validates cfg and builds the track context.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Geometry.Width <= 0 || cfg.Geometry.Height <= 0 {
		return nil, validationError(ErrInvalidGeometry, "invalid frame geometry",
			"width", cfg.Geometry.Width, "height", cfg.Geometry.Height)
	}
	if cfg.Detector == nil {
		return nil, validationError(ErrNilDetector, "missing detector")
	}
	if cfg.Store == nil {
		return nil, validationError(ErrNilStore, "missing store")
	}
	if trackID, ok := cfg.Index.TrackOf(cfg.Seed.ID); !ok || trackID != cfg.Track.ID {
		return nil, validationError(ErrSeedNotInTrack, "seed is not a member of the track",
			"seed_id", cfg.Seed.ID, "track_id", cfg.Track.ID)
	}

	opts := cfg.Options
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module(componentName)
	}

	var tc TrackContext
	if opts.PreserveCorpusOrder {
		tc = buildTrackContext(cfg.Seed, cfg.Track, cfg.Corpus, cfg.Index)
	} else {
		tc = BuildTrackContext(cfg.Seed, cfg.Track, cfg.Corpus, cfg.Index)
	}

	log = log.With(
		logger.Int64("project_id", cfg.ProjectID),
		logger.Int64("media_id", cfg.MediaID),
		logger.Int64("track_id", cfg.Track.ID))
	log.Debug("track context built",
		logger.Int64("seed_id", cfg.Seed.ID),
		logger.Int("corpus", len(cfg.Corpus)),
		logger.Int("members", tc.Len()),
		logger.Bool("corpus_order", opts.PreserveCorpusOrder))

	return &Engine{
		geometry:  cfg.Geometry,
		projectID: cfg.ProjectID,
		mediaID:   cfg.MediaID,
		trackCtx:  tc,
		detector:  cfg.Detector,
		store:     cfg.Store,
		refresher: cfg.Refresher,
		log:       log,
		metrics:   cfg.Metrics,
		opts:      opts,
		wait:      waitContext,
	}, nil
}

// Context returns the track context the engine works from.
func (e *Engine) Context() TrackContext {
	return e.trackCtx
}

// Pending returns the number of drafts waiting for Finalize.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.drafts)
}

// ProcessFrame runs the detector on frame frameIndex and buffers a draft for
// every detection above the confidence threshold. Frames without a preceding
// template, and the template's own frame, are skipped without error.
func (e *Engine) ProcessFrame(ctx context.Context, frameIndex int, frame image.Image) (FrameResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := FrameResult{Frame: frameIndex}
	if e.sealed {
		return result, ErrFinalized
	}
	if frameIndex < 0 {
		return result, validationError(ErrInvalidFrame, "negative frame index", "frame", frameIndex)
	}

	template, ok := e.trackCtx.Template(frameIndex)
	if !ok {
		result.Outcome = OutcomeNoTemplate
		e.metrics.RecordFrame(result.Outcome.String())
		return result, nil
	}
	result.TemplateID = template.ID
	e.lastTemplateType = template.Type

	if template.Frame == frameIndex {
		result.Outcome = OutcomeTemplateFrame
		e.metrics.RecordFrame(result.Outcome.String())
		return result, nil
	}

	typeID, err := annotation.ParseTypeID(template.Type)
	if err != nil {
		e.metrics.RecordFrame(metrics.OutcomeError)
		return result, err
	}

	start := time.Now()
	detections, err := e.detector.Estimate(ctx, frame, frameEstimateOptions)
	e.metrics.RecordDuration(metrics.OpDetect, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordFrame(metrics.OutcomeError)
		e.metrics.RecordError(metrics.OpDetect, string(errors.CategoryDetector))
		return result, errors.New(err).
			Component(componentName).
			Category(errors.CategoryDetector).
			Context("frame", frameIndex).
			Context("template_id", template.ID).
			Timing(metrics.OpDetect, time.Since(start)).
			Build()
	}

	result.Outcome = OutcomeProcessed
	result.Candidates = len(detections)
	scale := e.frameScale(frame)
	for i := range detections {
		if detections[i].Score() <= e.opts.MinConfidence {
			continue
		}
		result.Drafts = append(result.Drafts, e.synthesize(scale.apply(detections[i]), template, typeID, frameIndex))
	}
	e.drafts = append(e.drafts, result.Drafts...)

	e.metrics.RecordFrame(result.Outcome.String())
	e.metrics.RecordDetections(len(result.Drafts), len(detections)-len(result.Drafts))
	e.log.Debug("frame processed",
		logger.Int("frame", frameIndex),
		logger.Int64("template_id", template.ID),
		logger.Int("candidates", len(detections)),
		logger.Int("drafts", len(result.Drafts)),
		logger.Int("pending", len(e.drafts)))

	return result, nil
}

// synthesize turns a pixel-space detection into a normalized draft. Only the
// top-left corner is clamped at zero.
func (e *Engine) synthesize(d annotation.Detection, template *annotation.Annotation, typeID, frameIndex int) annotation.Draft {
	x := max(0, d.TopLeft[0])
	y := max(0, d.TopLeft[1])
	w := float64(e.geometry.Width)
	h := float64(e.geometry.Height)

	return annotation.Draft{
		MediaID:    e.mediaID,
		Type:       typeID,
		X:          x / w,
		Y:          y / h,
		Width:      (d.BottomRight[0] - x) / w,
		Height:     (d.BottomRight[1] - y) / h,
		Frame:      frameIndex,
		Version:    template.Version,
		Attributes: template.Attributes.Clone(),
	}
}

// pixelScale maps detector coordinates from the decoded frame onto the media
// geometry.
type pixelScale struct{ x, y float64 }

func (s pixelScale) apply(d annotation.Detection) annotation.Detection {
	if s.x == 1 && s.y == 1 {
		return d
	}
	d.TopLeft = [2]float64{d.TopLeft[0] * s.x, d.TopLeft[1] * s.y}
	d.BottomRight = [2]float64{d.BottomRight[0] * s.x, d.BottomRight[1] * s.y}
	return d
}

// frameScale compares the decoded frame with the media geometry. Frames
// extracted at another resolution are logged once and rescaled.
func (e *Engine) frameScale(frame image.Image) pixelScale {
	if frame == nil {
		return pixelScale{1, 1}
	}
	b := frame.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 || (b.Dx() == e.geometry.Width && b.Dy() == e.geometry.Height) {
		return pixelScale{1, 1}
	}
	if !e.warnedScale {
		e.warnedScale = true
		e.log.Warn("frame size differs from media, rescaling detections",
			logger.Int("frame_width", b.Dx()),
			logger.Int("frame_height", b.Dy()),
			logger.Int("media_width", e.geometry.Width),
			logger.Int("media_height", e.geometry.Height))
	}
	return pixelScale{
		x: float64(e.geometry.Width) / float64(b.Dx()),
		y: float64(e.geometry.Height) / float64(b.Dy()),
	}
}

func waitContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
