package propagation

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trackfill/internal/annotation"
)

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) Estimate(ctx context.Context, frame image.Image, opts EstimateOptions) ([]annotation.Detection, error) {
	args := m.Called(ctx, frame, opts)
	dets, _ := args.Get(0).([]annotation.Detection)
	return dets, args.Error(1)
}

func (m *mockDetector) Close() error {
	return m.Called().Error(0)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateLocalizations(ctx context.Context, project int64, drafts []annotation.Draft) ([]int64, error) {
	args := m.Called(ctx, project, drafts)
	ids, _ := args.Get(0).([]int64)
	return ids, args.Error(1)
}

func (m *mockStore) AppendToTrack(ctx context.Context, trackID int64, ids []int64) error {
	return m.Called(ctx, trackID, ids).Error(0)
}

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) Refresh(ctx context.Context, category string) error {
	return m.Called(ctx, category).Error(0)
}

// callLog records the order of side effects across collaborators.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

const (
	testProject = int64(7)
	testMedia   = int64(42)
	testTrackID = int64(900)
)

var testFrame = image.NewRGBA(image.Rect(0, 0, 200, 200))

// templateAt returns a track annotation at frame with the canonical scenario fields.
func templateAt(id int64, frame int) annotation.Annotation {
	return annotation.Annotation{
		ID:         id,
		Media:      testMedia,
		Frame:      frame,
		Type:       "box_3",
		Version:    annotation.VersionOf("v1"),
		Attributes: annotation.NewAttributes("label", "p1"),
	}
}

func detection(score float64, x1, y1, x2, y2 float64) annotation.Detection {
	return annotation.Detection{
		TopLeft:     [2]float64{x1, y1},
		BottomRight: [2]float64{x2, y2},
		Probability: []float64{score},
	}
}

type fixture struct {
	engine    *Engine
	detector  *mockDetector
	store     *mockStore
	refresher *mockRefresher
	waits     []time.Duration
	log       *callLog
}

// newFixture builds an engine over a single-track corpus. The settle wait is
// recorded instead of slept.
func newFixture(t *testing.T, corpus []annotation.Annotation, opts Options) *fixture {
	t.Helper()

	members := make([]int64, 0, len(corpus))
	for i := range corpus {
		members = append(members, corpus[i].ID)
	}
	track := annotation.Track{ID: testTrackID, Type: "state_2", Members: members}

	f := &fixture{
		detector:  &mockDetector{},
		store:     &mockStore{},
		refresher: &mockRefresher{},
		log:       &callLog{},
	}

	engine, err := NewEngine(Config{
		Geometry:  Geometry{Width: 200, Height: 200},
		ProjectID: testProject,
		MediaID:   testMedia,
		Seed:      corpus[0],
		Track:     track,
		Corpus:    corpus,
		Index:     annotation.IndexTracks([]annotation.Track{track}),
		Detector:  f.detector,
		Store:     f.store,
		Refresher: f.refresher,
		Options:   opts,
	})
	require.NoError(t, err)

	engine.wait = func(_ context.Context, d time.Duration) error {
		f.waits = append(f.waits, d)
		f.log.add("settle")
		return nil
	}
	f.engine = engine
	return f
}
