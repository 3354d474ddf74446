package runner

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/frames"
	"github.com/tphakala/trackfill/internal/propagation"
	"github.com/tphakala/trackfill/internal/tator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testProject = int64(7)
	testMedia   = int64(42)
	testSeed    = int64(1)
	testTrack   = int64(900)
)

var testImage = image.NewRGBA(image.Rect(0, 0, 200, 200))

// fakeService serves one media with a single-member track.
type fakeService struct {
	mu        sync.Mutex
	seed      annotation.Annotation
	tracks    []annotation.Track
	created   [][]annotation.Draft
	appended  []int64
	refreshed []string
	nextID    int64
	createErr error
	getLocErr error
}

func newFakeService() *fakeService {
	return &fakeService{
		seed: annotation.Annotation{
			ID:         testSeed,
			Media:      testMedia,
			Frame:      10,
			Type:       "box_3",
			Version:    annotation.VersionOf("v1"),
			Attributes: annotation.NewAttributes("label", "p1"),
			X:          0.1,
			Y:          0.1,
			Width:      0.2,
			Height:     0.2,
		},
		tracks: []annotation.Track{{ID: testTrack, Type: "state_2", Members: []int64{testSeed}}},
		nextID: 1000,
	}
}

func (s *fakeService) GetMedia(ctx context.Context, mediaID int64) (*tator.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tator.Media{ID: mediaID, Project: testProject, Width: 200, Height: 200, NumFrames: 21}, nil
}

func (s *fakeService) GetLocalization(ctx context.Context, _ int64) (annotation.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return annotation.Annotation{}, err
	}
	if s.getLocErr != nil {
		return annotation.Annotation{}, s.getLocErr
	}
	return s.seed, nil
}

func (s *fakeService) ListLocalizations(context.Context, int64, int64, string) ([]annotation.Annotation, error) {
	return []annotation.Annotation{s.seed}, nil
}

func (s *fakeService) ListStates(context.Context, int64, int64) ([]annotation.Track, error) {
	return s.tracks, nil
}

func (s *fakeService) CreateLocalizations(_ context.Context, _ int64, drafts []annotation.Draft) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = append(s.created, drafts)
	ids := make([]int64, len(drafts))
	for i := range drafts {
		ids[i] = s.nextID
		s.nextID++
	}
	return ids, nil
}

func (s *fakeService) AppendToTrack(_ context.Context, _ int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, ids...)
	return nil
}

func (s *fakeService) Refresh(_ context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, category)
	return nil
}

// fakeDetector returns one confident face per frame unless told otherwise.
type fakeDetector struct {
	score    float64
	failAt   map[int]bool
	block    bool
	calls    atomic.Int32
	closed   atomic.Int32
	frameIdx func(image.Image) int
}

func (d *fakeDetector) Estimate(ctx context.Context, frame image.Image, _ propagation.EstimateOptions) ([]annotation.Detection, error) {
	d.calls.Add(1)
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.failAt != nil && d.failAt[d.frameIdx(frame)] {
		return nil, fmt.Errorf("inference failed")
	}
	return []annotation.Detection{{
		TopLeft:     [2]float64{-5, 20},
		BottomRight: [2]float64{105, 220},
		Probability: []float64{d.score},
	}}, nil
}

func (d *fakeDetector) Close() error {
	d.closed.Add(1)
	return nil
}

// indexedImage lets the fake detector recover the frame index from a frame.
type indexedImage struct {
	*image.RGBA
	index int
}

type fakeSource struct {
	refs    []frames.FrameRef
	openErr map[int]error
	img     *image.RGBA
	opened  atomic.Int32
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{}
	for i := range n {
		s.refs = append(s.refs, frames.FrameRef{Index: i, Path: fmt.Sprintf("frame_%06d.png", i)})
	}
	return s
}

func (s *fakeSource) Range(from, to int) []frames.FrameRef {
	var out []frames.FrameRef
	for _, ref := range s.refs {
		if ref.Index >= from && (to < 0 || ref.Index <= to) {
			out = append(out, ref)
		}
	}
	return out
}

func (s *fakeSource) Open(ref frames.FrameRef) (image.Image, error) {
	s.opened.Add(1)
	if err := s.openErr[ref.Index]; err != nil {
		return nil, err
	}
	img := testImage
	if s.img != nil {
		img = s.img
	}
	return indexedImage{RGBA: img, index: ref.Index}, nil
}

type harness struct {
	svc      *fakeService
	detector *fakeDetector
	source   *fakeSource
	ledger   datastore.Interface
	runner   *Runner
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.Type = "sqlite"
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := datastore.New(settings)
	require.NoError(t, err)
	require.NoError(t, ledger.Open())
	t.Cleanup(func() { _ = ledger.Close() })

	h := &harness{
		svc: newFakeService(),
		detector: &fakeDetector{
			score:    0.95,
			frameIdx: func(img image.Image) int { return img.(indexedImage).index },
		},
		source: newFakeSource(21),
		ledger: ledger,
	}

	cfg := Config{
		Service:     h.svc,
		Ledger:      ledger,
		NewDetector: func() (propagation.Detector, error) { return h.detector, nil },
		OpenFrames:  func(string) (FrameSource, error) { return h.source, nil },
		Options:     propagation.Options{SettleDelay: time.Millisecond},
		Prefetch:    2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.runner, err = New(cfg)
	require.NoError(t, err)
	return h
}

func validRequest() Request {
	return Request{ProjectID: testProject, MediaID: testMedia, SeedID: testSeed, FromFrame: 0, ToFrame: -1}
}

func (h *harness) ledgerRun(t *testing.T, id string) *datastore.Run {
	t.Helper()
	run, err := h.ledger.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func TestRunCommitsDrafts(t *testing.T) {
	h := newHarness(t, nil)

	report, err := h.runner.Run(t.Context(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, testTrack, report.TrackID)
	assert.Equal(t, 10, report.FramesProcessed, "frames 11..20")
	assert.Equal(t, 11, report.FramesSkipped, "frames 0..9 and the template frame")
	assert.Equal(t, 10, report.Detections)
	assert.Equal(t, 10, report.Drafts)
	assert.True(t, report.Committed)
	require.Len(t, report.IDs, 10)

	assert.Equal(t, int32(10), h.source.opened.Load(), "only frames the detector sees are decoded")
	assert.Equal(t, int32(10), h.detector.calls.Load())
	assert.Equal(t, int32(1), h.detector.closed.Load())

	require.Len(t, h.svc.created, 1, "one batch")
	batch := h.svc.created[0]
	for i, draft := range batch {
		assert.Equal(t, 11+i, draft.Frame, "drafts keep frame order")
		assert.Equal(t, 3, draft.Type)
		assert.Equal(t, testMedia, draft.MediaID)
	}
	assert.Equal(t, report.IDs, h.svc.appended)
	assert.Equal(t, []string{"box_3", "state_2"}, h.svc.refreshed)

	run := h.ledgerRun(t, report.RunID)
	assert.Equal(t, datastore.StatusCommitted, run.Status)
	assert.Equal(t, testTrack, run.TrackID)
	assert.Equal(t, 10, run.Drafts)
	ids, err := run.LocalizationIDs()
	require.NoError(t, err)
	assert.Equal(t, report.IDs, ids)
	assert.NotNil(t, run.FinishedAt)
}

func TestRunRescalesDownscaledFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.source.img = image.NewRGBA(image.Rect(0, 0, 100, 100))

	req := validRequest()
	req.FromFrame = 12
	req.ToFrame = 13
	report, err := h.runner.Run(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drafts)

	// the 100x100 frame box (-5,20)-(105,220) lands at (-10,40)-(210,440) on the 200x200 media
	require.Len(t, h.svc.created, 1)
	for _, draft := range h.svc.created[0] {
		assert.InDelta(t, 0.0, draft.X, 1e-9)
		assert.InDelta(t, 0.2, draft.Y, 1e-9)
		assert.InDelta(t, 1.05, draft.Width, 1e-9)
		assert.InDelta(t, 2.0, draft.Height, 1e-9)
	}
}

func TestRunFrameRange(t *testing.T) {
	h := newHarness(t, nil)

	req := validRequest()
	req.FromFrame = 12
	req.ToFrame = 14
	report, err := h.runner.Run(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, report.FramesProcessed)
	assert.Equal(t, 0, report.FramesSkipped)
	assert.Equal(t, 3, report.Drafts)
}

func TestRunWithoutConfidentDetectionsIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.score = 0.80

	report, err := h.runner.Run(t.Context(), validRequest())
	require.NoError(t, err)
	assert.False(t, report.Committed)
	assert.Zero(t, report.Drafts)
	assert.Empty(t, h.svc.created)
	assert.Empty(t, h.svc.refreshed)
	assert.Equal(t, int32(1), h.detector.closed.Load())

	assert.Equal(t, datastore.StatusNoOp, h.ledgerRun(t, report.RunID).Status)
}

func TestRunSeedNotInTrack(t *testing.T) {
	built := false
	h := newHarness(t, func(c *Config) {
		inner := c.NewDetector
		c.NewDetector = func() (propagation.Detector, error) {
			built = true
			return inner()
		}
	})
	h.svc.tracks = nil

	report, err := h.runner.Run(t.Context(), validRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSeedNotInTrack)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.False(t, built, "no detector without a track")

	run := h.ledgerRun(t, report.RunID)
	assert.Equal(t, datastore.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "seed")
}

func TestRunDetectorErrorAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.failAt = map[int]bool{15: true}

	report, err := h.runner.Run(t.Context(), validRequest())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDetector))

	assert.Empty(t, h.svc.created, "nothing is committed after an aborted run")
	assert.Equal(t, int32(1), h.detector.closed.Load())
	assert.False(t, report.Committed)
	assert.Equal(t, datastore.StatusFailed, h.ledgerRun(t, report.RunID).Status)
}

func TestRunContinueOnDetectorError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ContinueOnDetectorError = true })
	h.detector.failAt = map[int]bool{15: true, 16: true}

	report, err := h.runner.Run(t.Context(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, report.FrameErrors)
	assert.Equal(t, 8, report.FramesProcessed)
	assert.Equal(t, 8, report.Drafts)
	assert.True(t, report.Committed)

	run := h.ledgerRun(t, report.RunID)
	assert.Equal(t, 13, run.FramesSkipped, "frame errors count as skipped")
}

func TestRunDetectorTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.DetectorTimeout = 20 * time.Millisecond
		c.ContinueOnDetectorError = true
	})
	h.detector.block = true

	req := validRequest()
	req.FromFrame = 11
	req.ToFrame = 12
	report, err := h.runner.Run(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, report.FrameErrors)
	assert.False(t, report.Committed)
}

func TestRunFrameDecodeError(t *testing.T) {
	h := newHarness(t, nil)
	h.source.openErr = map[int]error{13: fmt.Errorf("corrupt png")}

	report, err := h.runner.Run(t.Context(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt png")
	assert.Empty(t, h.svc.created)
	assert.Equal(t, int32(1), h.detector.closed.Load())
	assert.Equal(t, datastore.StatusFailed, h.ledgerRun(t, report.RunID).Status)
}

func TestRunCreateFailureIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.createErr = fmt.Errorf("503 from server (password=hunter2)")

	report, err := h.runner.Run(t.Context(), validRequest())
	require.Error(t, err)
	assert.False(t, report.Committed)
	assert.Equal(t, 10, report.Drafts)

	run := h.ledgerRun(t, report.RunID)
	assert.Equal(t, datastore.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "503")
	assert.NotContains(t, run.Error, "hunter2")
}

func TestRunCancelledContextIsStillRecorded(t *testing.T) {
	h := newHarness(t, nil)

	runID, err := h.runner.Begin(t.Context(), validRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = h.runner.Execute(ctx, runID, validRequest())
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, datastore.StatusFailed, h.ledgerRun(t, runID).Status)
}

func TestRunSeedOnOtherMedia(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.seed.Media = 99

	_, err := h.runner.Run(t.Context(), validRequest())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Request)
		valid  bool
	}{
		{"valid", func(*Request) {}, true},
		{"open range", func(r *Request) { r.FromFrame = 5; r.ToFrame = -1 }, true},
		{"single frame", func(r *Request) { r.FromFrame = 5; r.ToFrame = 5 }, true},
		{"zero project", func(r *Request) { r.ProjectID = 0 }, false},
		{"zero media", func(r *Request) { r.MediaID = 0 }, false},
		{"zero seed", func(r *Request) { r.SeedID = 0 }, false},
		{"negative from", func(r *Request) { r.FromFrame = -1 }, false},
		{"inverted range", func(r *Request) { r.FromFrame = 10; r.ToFrame = 5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(Config{Service: newFakeService()})
	require.Error(t, err)
}

func TestRunWithoutLedger(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Ledger = nil })

	report, err := h.runner.Run(t.Context(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.True(t, report.Committed)
}
