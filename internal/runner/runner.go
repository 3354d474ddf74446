// Package runner drives one propagation run end to end: it loads the seed
// annotation and its track from the annotation service, streams decoded
// frames through a propagation engine and records the run in the ledger.
package runner

import (
	"context"
	"image"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/frames"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/observability/metrics"
	"github.com/tphakala/trackfill/internal/privacy"
	"github.com/tphakala/trackfill/internal/propagation"
	"github.com/tphakala/trackfill/internal/tator"
)

const componentName = "runner"

// DefaultPrefetch is the number of decoded frames buffered ahead of the engine.
const DefaultPrefetch = 4

// finishTimeout bounds the ledger update after a cancelled run.
const finishTimeout = 10 * time.Second

// ErrSeedNotInTrack is returned when the seed annotation belongs to no track.
var ErrSeedNotInTrack = propagation.ErrSeedNotInTrack

// Annotations is the read side of the annotation service.
type Annotations interface {
	GetMedia(ctx context.Context, mediaID int64) (*tator.Media, error)
	GetLocalization(ctx context.Context, id int64) (annotation.Annotation, error)
	ListLocalizations(ctx context.Context, project, mediaID int64, typeID string) ([]annotation.Annotation, error)
	ListStates(ctx context.Context, project, mediaID int64) ([]annotation.Track, error)
}

// Service is the annotation service: reads for setup and the store the
// engine commits drafts to. *tator.Client implements it.
type Service interface {
	Annotations
	propagation.Store
}

// FrameSource yields decoded frames. *frames.DirSource implements it.
type FrameSource interface {
	Range(from, to int) []frames.FrameRef
	Open(ref frames.FrameRef) (image.Image, error)
}

// Request identifies what to propagate.
type Request struct {
	ProjectID int64 `json:"project_id"`
	MediaID   int64 `json:"media_id"`
	SeedID    int64 `json:"seed_id"`
	FromFrame int   `json:"from_frame"`
	ToFrame   int   `json:"to_frame"` // negative runs to the last frame
	// FramesDir overrides Config.FramesDir for this run.
	FramesDir string `json:"frames_dir,omitempty"`
}

// Validate checks the identifiers and the frame range.
func (r Request) Validate() error {
	var problem string
	switch {
	case r.ProjectID <= 0:
		problem = "project_id must be positive"
	case r.MediaID <= 0:
		problem = "media_id must be positive"
	case r.SeedID <= 0:
		problem = "seed_id must be positive"
	case r.FromFrame < 0:
		problem = "from_frame must not be negative"
	case r.ToFrame >= 0 && r.ToFrame < r.FromFrame:
		problem = "to_frame must not precede from_frame"
	}
	if problem == "" {
		return nil
	}
	return errors.Newf("invalid propagation request: %s", problem).
		Component(componentName).
		Category(errors.CategoryValidation).
		Context("project_id", r.ProjectID).
		Context("media_id", r.MediaID).
		Context("seed_id", r.SeedID).
		Build()
}

// Report summarizes a finished run.
type Report struct {
	RunID           string        `json:"run_id"`
	TrackID         int64         `json:"track_id"`
	FramesProcessed int           `json:"frames_processed"`
	FramesSkipped   int           `json:"frames_skipped"`
	FrameErrors     int           `json:"frame_errors"`
	Detections      int           `json:"detections"`
	Drafts          int           `json:"drafts"`
	Committed       bool          `json:"committed"`
	IDs             []int64       `json:"ids,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Config wires a Runner.
type Config struct {
	Service Service
	// Ledger records every run; optional.
	Ledger datastore.Interface
	// NewDetector builds a detector for one run. The engine closes it.
	NewDetector func() (propagation.Detector, error)
	// OpenFrames opens the frames of a media.
	OpenFrames func(dir string) (FrameSource, error)
	FramesDir  string
	// RefresherFor builds the refresher of one run. When nil the service is
	// used if it implements propagation.Refresher.
	RefresherFor func(req Request) propagation.Refresher

	Options                 propagation.Options
	DetectorTimeout         time.Duration // per frame; 0 disables
	Prefetch                int
	ContinueOnDetectorError bool

	Logger  logger.Logger
	Metrics *metrics.PropagationMetrics
}

// Runner executes propagation runs. It is safe for concurrent use; every run
// gets its own engine and detector.
type Runner struct {
	cfg Config
	log logger.Logger
}

// New validates cfg.
func New(cfg Config) (*Runner, error) {
	var missing string
	switch {
	case cfg.Service == nil:
		missing = "service"
	case cfg.NewDetector == nil:
		missing = "detector factory"
	case cfg.OpenFrames == nil:
		missing = "frame source"
	}
	if missing != "" {
		return nil, errors.Newf("runner: missing %s", missing).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Prefetch < 0 {
		cfg.Prefetch = 0
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Runner{cfg: cfg, log: log}, nil
}

// Run validates req, records it in the ledger and executes it.
func (r *Runner) Run(ctx context.Context, req Request) (Report, error) {
	runID, err := r.Begin(ctx, req)
	if err != nil {
		return Report{}, err
	}
	return r.Execute(ctx, runID, req)
}

// Begin validates req and records a running entry in the ledger. It returns
// the run id to pass to Execute.
func (r *Runner) Begin(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if r.cfg.Ledger == nil {
		return uuid.NewString(), nil
	}
	run := &datastore.Run{
		ProjectID: req.ProjectID,
		MediaID:   req.MediaID,
		SeedID:    req.SeedID,
		FromFrame: req.FromFrame,
		ToFrame:   req.ToFrame,
	}
	if err := r.cfg.Ledger.StartRun(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// Execute performs run runID and records its outcome in the ledger.
func (r *Runner) Execute(ctx context.Context, runID string, req Request) (Report, error) {
	start := time.Now()
	log := r.log.With(logger.String("run_id", runID))
	r.cfg.Metrics.RunStarted()
	defer r.cfg.Metrics.RunFinished()

	report := Report{RunID: runID}
	err := r.execute(ctx, log, req, &report)
	report.Duration = time.Since(start)

	r.cfg.Metrics.RecordDuration(metrics.OpRun, report.Duration.Seconds())
	if err != nil {
		r.cfg.Metrics.RecordOperation(metrics.OpRun, metrics.StatusError)
	} else {
		r.cfg.Metrics.RecordOperation(metrics.OpRun, metrics.StatusSuccess)
	}

	status := runStatus(report, err)
	r.finish(ctx, log, runID, status, report, err)

	fields := []logger.Field{
		logger.String("status", string(status)),
		logger.Int64("track_id", report.TrackID),
		logger.Int("frames_processed", report.FramesProcessed),
		logger.Int("frames_skipped", report.FramesSkipped),
		logger.Int("frame_errors", report.FrameErrors),
		logger.Int("detections", report.Detections),
		logger.Int("drafts", report.Drafts),
		logger.Duration("duration", report.Duration),
	}
	if err != nil {
		log.Error("propagation run failed", append(fields, logger.Error(err))...)
	} else {
		log.Info("propagation run finished", fields...)
	}
	return report, err
}

func (r *Runner) execute(ctx context.Context, log logger.Logger, req Request, report *Report) error {
	svc := r.cfg.Service

	seed, err := svc.GetLocalization(ctx, req.SeedID)
	if err != nil {
		return err
	}
	if seed.Media != 0 && seed.Media != req.MediaID {
		return errors.Newf("seed %d belongs to media %d, not %d", seed.ID, seed.Media, req.MediaID).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	media, err := svc.GetMedia(ctx, req.MediaID)
	if err != nil {
		return err
	}

	corpus, err := svc.ListLocalizations(ctx, req.ProjectID, req.MediaID, seed.Type)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(corpus, func(a annotation.Annotation) bool { return a.ID == seed.ID }) {
		corpus = append(corpus, seed)
	}
	tracks, err := svc.ListStates(ctx, req.ProjectID, req.MediaID)
	if err != nil {
		return err
	}
	index := annotation.IndexTracks(tracks)

	track, ok := findTrack(tracks, index, seed.ID)
	if !ok {
		return errors.Newf("%w: seed %d", ErrSeedNotInTrack, seed.ID).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("seed_id", seed.ID).
			Context("media_id", req.MediaID).
			Build()
	}
	report.TrackID = track.ID

	dir := req.FramesDir
	if dir == "" {
		dir = r.cfg.FramesDir
	}
	source, err := r.cfg.OpenFrames(dir)
	if err != nil {
		return err
	}

	detector, err := r.cfg.NewDetector()
	if err != nil {
		return err
	}
	engine, err := propagation.NewEngine(propagation.Config{
		Geometry:  propagation.Geometry{Width: media.Width, Height: media.Height},
		ProjectID: req.ProjectID,
		MediaID:   req.MediaID,
		Seed:      seed,
		Track:     track,
		Corpus:    corpus,
		Index:     index,
		Detector:  detector,
		Store:     svc,
		Refresher: r.refresherFor(req),
		Logger:    log,
		Metrics:   r.cfg.Metrics,
		Options:   r.cfg.Options,
	})
	if err != nil {
		_ = detector.Close()
		return err
	}

	log.Info("propagation run started",
		logger.Int64("seed_id", seed.ID),
		logger.Int64("track_id", track.ID),
		logger.Int("members", engine.Context().Len()),
		logger.Int("width", media.Width),
		logger.Int("height", media.Height))

	if err := r.stream(ctx, log, engine, source, req, report); err != nil {
		engine.Discard()
		return err
	}

	result, err := engine.Finalize(ctx)
	report.Drafts = result.Drafts
	report.Committed = result.Committed
	report.IDs = result.IDs
	return err
}

type decodedFrame struct {
	index int
	image image.Image // nil when the engine will not look at the pixels
}

// stream decodes frames in a producer goroutine and feeds them to the engine
// in order.
func (r *Runner) stream(ctx context.Context, log logger.Logger, engine *propagation.Engine, source FrameSource, req Request, report *Report) error {
	refs := source.Range(req.FromFrame, req.ToFrame)
	trackCtx := engine.Context()

	g, gctx := errgroup.WithContext(ctx)
	decoded := make(chan decodedFrame, r.cfg.Prefetch)

	g.Go(func() error {
		defer close(decoded)
		for _, ref := range refs {
			frame := decodedFrame{index: ref.Index}
			if needsPixels(&trackCtx, ref.Index) {
				img, err := source.Open(ref)
				if err != nil {
					return err
				}
				frame.image = img
			}
			select {
			case decoded <- frame:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for frame := range decoded {
			res, err := r.processFrame(gctx, engine, frame)
			if err != nil {
				if r.cfg.ContinueOnDetectorError && gctx.Err() == nil && errors.IsCategory(err, errors.CategoryDetector) {
					report.FrameErrors++
					log.Warn("detector failed, frame skipped", logger.Int("frame", frame.index), logger.Error(err))
					continue
				}
				return err
			}
			switch res.Outcome {
			case propagation.OutcomeProcessed:
				report.FramesProcessed++
				report.Detections += res.Candidates
			default:
				report.FramesSkipped++
			}
		}
		return nil
	})

	return g.Wait()
}

func (r *Runner) processFrame(ctx context.Context, engine *propagation.Engine, frame decodedFrame) (propagation.FrameResult, error) {
	if r.cfg.DetectorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DetectorTimeout)
		defer cancel()
	}
	return engine.ProcessFrame(ctx, frame.index, frame.image)
}

func (r *Runner) refresherFor(req Request) propagation.Refresher {
	if r.cfg.RefresherFor != nil {
		return r.cfg.RefresherFor(req)
	}
	if refresher, ok := r.cfg.Service.(propagation.Refresher); ok {
		return refresher
	}
	return nil
}

// finish records the outcome in the ledger. It uses a fresh deadline so a
// cancelled run is still recorded.
func (r *Runner) finish(ctx context.Context, log logger.Logger, runID string, status datastore.RunStatus, report Report, runErr error) {
	if r.cfg.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	err := r.cfg.Ledger.FinishRun(ctx, runID, datastore.Outcome{
		Status:          status,
		TrackID:         report.TrackID,
		FramesProcessed: report.FramesProcessed,
		FramesSkipped:   report.FramesSkipped + report.FrameErrors,
		Detections:      report.Detections,
		Drafts:          report.Drafts,
		CreatedIDs:      report.IDs,
		Err:             privacy.WrapError(runErr),
	})
	if err != nil {
		log.Error("failed to record run outcome", logger.Error(err))
	}
}

// needsPixels reports whether the engine will run the detector on frame.
func needsPixels(tc *propagation.TrackContext, frame int) bool {
	template, ok := tc.Template(frame)
	return ok && template.Frame != frame
}

func findTrack(tracks []annotation.Track, index annotation.MembershipIndex, seedID int64) (annotation.Track, bool) {
	trackID, ok := index.TrackOf(seedID)
	if !ok {
		return annotation.Track{}, false
	}
	for i := range tracks {
		if tracks[i].ID == trackID {
			return tracks[i], true
		}
	}
	return annotation.Track{}, false
}

// runStatus maps a run result to its ledger status. Ids linked before a
// refresh failure still count as committed.
func runStatus(report Report, err error) datastore.RunStatus {
	switch {
	case report.Committed:
		return datastore.StatusCommitted
	case err != nil:
		return datastore.StatusFailed
	default:
		return datastore.StatusNoOp
	}
}
