package propagation

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	seed := templateAt(1, 10)
	track := annotation.Track{ID: testTrackID, Members: []int64{1}}
	valid := Config{
		Geometry: Geometry{Width: 200, Height: 100},
		Seed:     seed,
		Track:    track,
		Corpus:   []annotation.Annotation{seed},
		Index:    annotation.IndexTracks([]annotation.Track{track}),
		Detector: &mockDetector{},
		Store:    &mockStore{},
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero width", func(c *Config) { c.Geometry.Width = 0 }, ErrInvalidGeometry},
		{"negative height", func(c *Config) { c.Geometry.Height = -1 }, ErrInvalidGeometry},
		{"nil detector", func(c *Config) { c.Detector = nil }, ErrNilDetector},
		{"nil store", func(c *Config) { c.Store = nil }, ErrNilStore},
		{"seed outside track", func(c *Config) { c.Track.ID = 1 }, ErrSeedNotInTrack},
		{"seed not indexed", func(c *Config) { c.Index = annotation.MembershipIndex{} }, ErrSeedNotInTrack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			engine, err := NewEngine(cfg)
			require.Error(t, err)
			assert.Nil(t, engine)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()
		engine, err := NewEngine(valid)
		require.NoError(t, err)
		assert.InDelta(t, DefaultMinConfidence, engine.opts.MinConfidence, 0)
		assert.Equal(t, DefaultSettleDelay, engine.opts.SettleDelay)
		assert.Equal(t, 1, engine.Context().Len())
	})
}

func TestProcessFrameBeforeFirstTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 10)}, Options{})

	for frame := range 10 {
		res, err := f.engine.ProcessFrame(t.Context(), frame, testFrame)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoTemplate, res.Outcome)
		assert.Empty(t, res.Drafts)
	}

	f.detector.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.engine.Pending())
}

func TestProcessFrameTemplateFrameIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 10)}, Options{})

	for range 3 {
		res, err := f.engine.ProcessFrame(t.Context(), 10, testFrame)
		require.NoError(t, err)
		assert.Equal(t, OutcomeTemplateFrame, res.Outcome)
		assert.Equal(t, int64(1), res.TemplateID)
		assert.Empty(t, res.Drafts)
	}

	f.detector.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.engine.Pending())
}

func TestProcessFrameScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 10)}, Options{})
	f.detector.On("Estimate", mock.Anything, testFrame, EstimateOptions{AnnotateBoxes: true}).
		Return([]annotation.Detection{detection(0.95, -5, 20, 105, 220)}, nil).Once()

	res, err := f.engine.ProcessFrame(t.Context(), 10, testFrame)
	require.NoError(t, err)
	assert.Empty(t, res.Drafts)

	res, err = f.engine.ProcessFrame(t.Context(), 15, testFrame)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, res.Candidates)
	require.Len(t, res.Drafts, 1)

	d := res.Drafts[0]
	assert.InDelta(t, 0.0, d.X, 1e-9)
	assert.InDelta(t, 0.1, d.Y, 1e-9)
	// width is measured from the clamped corner: (105 - 0) / 200
	assert.InDelta(t, 0.525, d.Width, 1e-9)
	assert.InDelta(t, 1.0, d.Height, 1e-9)
	assert.Equal(t, 15, d.Frame)
	assert.Equal(t, 3, d.Type)
	assert.Equal(t, `"v1"`, d.Version.String())
	assert.Equal(t, testMedia, d.MediaID)
	label, ok := d.Attributes.Get("label")
	require.True(t, ok)
	assert.Equal(t, "p1", label)

	assert.Equal(t, 1, f.engine.Pending())
	f.detector.AssertExpectations(t)
}

func TestProcessFrameConfidenceFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		detection annotation.Detection
		opts      Options
		want      int
	}{
		{"above threshold", detection(0.95, 0, 0, 10, 10), Options{}, 1},
		{"just above threshold", detection(0.9000001, 0, 0, 10, 10), Options{}, 1},
		{"exactly threshold", detection(0.90, 0, 0, 10, 10), Options{}, 0},
		{"scenario low confidence", detection(0.80, -5, 20, 105, 220), Options{}, 0},
		{"no probability", annotation.Detection{BottomRight: [2]float64{10, 10}}, Options{}, 0},
		{"custom threshold", detection(0.6, 0, 0, 10, 10), Options{MinConfidence: 0.5}, 1},
		{"custom threshold boundary", detection(0.5, 0, 0, 10, 10), Options{MinConfidence: 0.5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, []annotation.Annotation{templateAt(1, 10)}, tt.opts)
			f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
				Return([]annotation.Detection{tt.detection}, nil)

			res, err := f.engine.ProcessFrame(t.Context(), 11, testFrame)
			require.NoError(t, err)
			assert.Equal(t, OutcomeProcessed, res.Outcome)
			assert.Len(t, res.Drafts, tt.want)
		})
	}
}

func TestProcessFrameClampsTopLeftOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 0)}, Options{})
	dets := []annotation.Detection{
		detection(0.99, -50, -1, 20, 30),
		detection(0.99, -0.001, 100, 210, 250), // bottom-right beyond the frame
		detection(0.99, 10, -300, 40, -100),
	}
	f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).Return(dets, nil)

	res, err := f.engine.ProcessFrame(t.Context(), 1, testFrame)
	require.NoError(t, err)
	require.Len(t, res.Drafts, len(dets))

	for i, d := range res.Drafts {
		assert.GreaterOrEqual(t, d.X, 0.0, "draft %d", i)
		assert.GreaterOrEqual(t, d.Y, 0.0, "draft %d", i)

		clampedX := max(0, dets[i].TopLeft[0])
		clampedY := max(0, dets[i].TopLeft[1])
		assert.InDelta(t, (dets[i].BottomRight[0]-clampedX)/200, d.Width, 1e-9, "draft %d", i)
		assert.InDelta(t, (dets[i].BottomRight[1]-clampedY)/200, d.Height, 1e-9, "draft %d", i)
	}

	// no clamp on the far corner
	assert.InDelta(t, 1.05, res.Drafts[1].X+res.Drafts[1].Width, 1e-9)
	assert.InDelta(t, 1.25, res.Drafts[1].Y+res.Drafts[1].Height, 1e-9)
}

func TestProcessFrameUsesLatestTemplate(t *testing.T) {
	t.Parallel()

	early := templateAt(1, 10)
	late := templateAt(2, 20)
	late.Type = "box_8"
	late.Version = annotation.VersionOf("v5")
	late.Attributes = annotation.NewAttributes("label", "p2", "pose", "left")

	f := newFixture(t, []annotation.Annotation{late, early}, Options{})
	f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
		Return([]annotation.Detection{detection(0.97, 0, 0, 20, 20)}, nil)

	res, err := f.engine.ProcessFrame(t.Context(), 15, testFrame)
	require.NoError(t, err)
	require.Len(t, res.Drafts, 1)
	assert.Equal(t, int64(1), res.TemplateID)
	assert.Equal(t, 3, res.Drafts[0].Type)

	res, err = f.engine.ProcessFrame(t.Context(), 25, testFrame)
	require.NoError(t, err)
	require.Len(t, res.Drafts, 1)
	assert.Equal(t, int64(2), res.TemplateID)
	assert.Equal(t, 8, res.Drafts[0].Type)
	assert.Equal(t, annotation.VersionOf("v5"), res.Drafts[0].Version)
	assert.Equal(t, []string{"label", "pose"}, res.Drafts[0].Attributes.Keys())
	assert.Equal(t, "box_8", f.engine.lastTemplateType)
}

func TestProcessFrameDraftAttributesAreCopies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 0)}, Options{})
	f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
		Return([]annotation.Detection{detection(0.99, 0, 0, 10, 10)}, nil)

	res, err := f.engine.ProcessFrame(t.Context(), 1, testFrame)
	require.NoError(t, err)
	require.Len(t, res.Drafts, 1)

	res.Drafts[0].Attributes.Set("label", "changed")
	tmpl, _ := f.engine.trackCtx.Template(0)
	label, _ := tmpl.Attributes.Get("label")
	assert.Equal(t, "p1", label)
}

func TestProcessFrameTypeRoundTrip(t *testing.T) {
	t.Parallel()

	for typeID, want := range map[string]int{"box_3": 3, "box_17": 17, "a_5_7": 5, "x_0": 0} {
		t.Run(typeID, func(t *testing.T) {
			t.Parallel()
			tmpl := templateAt(1, 0)
			tmpl.Type = typeID
			f := newFixture(t, []annotation.Annotation{tmpl}, Options{})
			f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
				Return([]annotation.Detection{detection(0.99, 0, 0, 10, 10)}, nil)

			res, err := f.engine.ProcessFrame(t.Context(), 1, testFrame)
			require.NoError(t, err)
			require.Len(t, res.Drafts, 1)
			assert.Equal(t, want, res.Drafts[0].Type)
		})
	}
}

func TestProcessFrameInvalidTypeSkipsDetector(t *testing.T) {
	t.Parallel()

	tmpl := templateAt(1, 0)
	tmpl.Type = "box"
	f := newFixture(t, []annotation.Annotation{tmpl}, Options{})

	_, err := f.engine.ProcessFrame(t.Context(), 1, testFrame)
	require.ErrorIs(t, err, ErrInvalidTypeID)
	f.detector.AssertNotCalled(t, "Estimate", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessFrameDetectorError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 0)}, Options{})
	boom := fmt.Errorf("inference failed")
	f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom).Once()
	f.detector.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
		Return([]annotation.Detection{detection(0.99, 0, 0, 10, 10)}, nil).Once()

	res, err := f.engine.ProcessFrame(t.Context(), 1, testFrame)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	assert.True(t, errors.IsCategory(err, errors.CategoryDetector))
	assert.Empty(t, res.Drafts)
	assert.Equal(t, 0, f.engine.Pending())

	// the next frame is unaffected
	res, err = f.engine.ProcessFrame(t.Context(), 2, testFrame)
	require.NoError(t, err)
	assert.Len(t, res.Drafts, 1)
}

func TestProcessFrameNegativeIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 0)}, Options{})
	_, err := f.engine.ProcessFrame(t.Context(), -1, testFrame)
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestProcessFrameMetrics(t *testing.T) {
	t.Parallel()

	m, err := metrics.NewPropagationMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	tmpl := templateAt(1, 10)
	track := annotation.Track{ID: testTrackID, Type: "state_2", Members: []int64{1}}
	det := &mockDetector{}
	det.On("Estimate", mock.Anything, mock.Anything, mock.Anything).Return([]annotation.Detection{
		detection(0.99, 0, 0, 10, 10),
		detection(0.5, 0, 0, 10, 10),
	}, nil)

	engine, err := NewEngine(Config{
		Geometry: Geometry{Width: 100, Height: 100},
		Seed:     tmpl,
		Track:    track,
		Corpus:   []annotation.Annotation{tmpl},
		Index:    annotation.IndexTracks([]annotation.Track{track}),
		Detector: det,
		Store:    &mockStore{},
		Metrics:  m,
	})
	require.NoError(t, err)

	for _, frame := range []int{5, 10, 11, 12} {
		_, err := engine.ProcessFrame(t.Context(), frame, testFrame)
		require.NoError(t, err)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeNoTemplate)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeTemplateFrame)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeProcessed)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("accepted")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("rejected")), 0)
}

// serialDetector fails the test if two Estimate calls overlap.
type serialDetector struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    atomic.Int32
}

func (d *serialDetector) Estimate(_ context.Context, _ image.Image, _ EstimateOptions) ([]annotation.Detection, error) {
	if d.inFlight.Add(1) > 1 {
		d.overlap.Store(true)
	}
	defer d.inFlight.Add(-1)
	d.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	return []annotation.Detection{detection(0.99, 0, 0, 10, 10)}, nil
}

func (d *serialDetector) Close() error { return nil }

func TestProcessFrameSerializesConcurrentCallers(t *testing.T) {
	t.Parallel()

	tmpl := templateAt(1, 0)
	track := annotation.Track{ID: testTrackID, Type: "state_2", Members: []int64{1}}
	det := &serialDetector{}
	engine, err := NewEngine(Config{
		Geometry: Geometry{Width: 100, Height: 100},
		Seed:     tmpl,
		Track:    track,
		Corpus:   []annotation.Annotation{tmpl},
		Index:    annotation.IndexTracks([]annotation.Track{track}),
		Detector: det,
		Store:    &mockStore{},
	})
	require.NoError(t, err)

	const frames = 16
	var wg sync.WaitGroup
	for i := 1; i <= frames; i++ {
		wg.Go(func() {
			_, err := engine.ProcessFrame(context.Background(), i, testFrame)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.False(t, det.overlap.Load(), "detector calls overlapped")
	assert.Equal(t, int32(frames), det.calls.Load())
	assert.Equal(t, frames, engine.Pending())
}

func TestProcessFrameRescalesDownscaledFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []annotation.Annotation{templateAt(1, 10)}, Options{})
	half := image.NewRGBA(image.Rect(0, 0, 100, 100))
	f.detector.On("Estimate", mock.Anything, half, mock.Anything).
		Return([]annotation.Detection{detection(0.95, 10, 10, 60, 35)}, nil).Once()

	_, err := f.engine.ProcessFrame(t.Context(), 10, half)
	require.NoError(t, err)

	// detections come back in the 100x100 frame space and are doubled onto the 200x200 media
	res, err := f.engine.ProcessFrame(t.Context(), 15, half)
	require.NoError(t, err)
	require.Len(t, res.Drafts, 1)

	d := res.Drafts[0]
	assert.InDelta(t, 0.1, d.X, 1e-9)
	assert.InDelta(t, 0.1, d.Y, 1e-9)
	assert.InDelta(t, 0.5, d.Width, 1e-9)
	assert.InDelta(t, 0.25, d.Height, 1e-9)
	f.detector.AssertExpectations(t)
}
