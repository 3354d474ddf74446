package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trackfill/internal/buildinfo"
	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/propagation"
	"github.com/tphakala/trackfill/internal/refresh"
	"github.com/tphakala/trackfill/internal/runner"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	return &conf.Settings{
		Main: conf.MainSettings{
			Name: "trackfill",
			Log: logger.LoggingConfig{
				DefaultLevel: "info",
				Console:      &logger.ConsoleOutput{Enabled: true, Level: "info"},
			},
		},
		Tator: conf.TatorSettings{Host: "https://tator.example", Token: "secret"},
		Output: conf.OutputSettings{
			Type:   "sqlite",
			SQLite: conf.SQLiteSettings{Path: filepath.Join(dir, "runs.db")},
		},
		Frames: conf.FramesSettings{Directory: dir, Pattern: "*.png"},
		MQTT:   conf.MQTTSettings{Topic: "trackfill/refresh"},
	}
}

func newTestApp(t *testing.T, settings *conf.Settings) *App {
	t.Helper()
	a := New(buildinfo.NewContext("test", ""))
	require.NoError(t, a.Init(settings))
	t.Cleanup(a.Close)
	return a
}

func TestInitRequiresSettings(t *testing.T) {
	a := New(nil)
	require.Error(t, a.Init(nil))
}

func TestInitBuildsMetrics(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	require.NotNil(t, a.Metrics)
	assert.NotNil(t, a.Metrics.Ledger)
	assert.NotNil(t, a.Metrics.Propagation)
}

func TestInitDebugRaisesLogLevel(t *testing.T) {
	settings := testSettings(t)
	settings.Debug = true
	newTestApp(t, settings)

	// the console config of settings is left untouched
	assert.Equal(t, "info", settings.Main.Log.Console.Level)
}

func TestOpenLedger(t *testing.T) {
	a := newTestApp(t, testSettings(t))

	ledger, err := a.OpenLedger()
	require.NoError(t, err)

	ctx := context.Background()
	run := &datastore.Run{ProjectID: 1, MediaID: 2, SeedID: 3}
	require.NoError(t, ledger.StartRun(ctx, run))

	got, err := ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusRunning, got.Status)
}

func TestOpenLedgerUnsupportedType(t *testing.T) {
	settings := testSettings(t)
	settings.Output.Type = "postgres"
	a := newTestApp(t, settings)

	_, err := a.OpenLedger()
	require.Error(t, err)
}

func TestNewTatorClientRequiresToken(t *testing.T) {
	settings := testSettings(t)
	settings.Tator.Token = ""
	a := newTestApp(t, settings)

	_, err := a.NewTatorClient()
	require.Error(t, err)
}

func TestConnectMQTTDisabled(t *testing.T) {
	a := newTestApp(t, testSettings(t))

	client, err := a.ConnectMQTT(context.Background())
	require.NoError(t, err)
	assert.Nil(t, client)
}

type recordingRefresher struct{ categories []string }

func (r *recordingRefresher) Refresh(_ context.Context, category string) error {
	r.categories = append(r.categories, category)
	return nil
}

func TestRefresherForWithoutMQTTUsesService(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	service := &recordingRefresher{}

	r := a.RefresherFor(service, nil)(runner.Request{MediaID: 9})
	assert.Same(t, service, r)
}

func TestRefresherForWithMQTTFansOut(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	service := &recordingRefresher{}

	r := a.RefresherFor(service, &stubMQTT{})(runner.Request{MediaID: 9})
	fanout, ok := r.(refresh.Fanout)
	require.True(t, ok)
	require.Len(t, fanout, 2)
	assert.Same(t, service, fanout[0])
	assert.IsType(t, &refresh.MQTTRefresher{}, fanout[1])
}

type stubMQTT struct{}

func (stubMQTT) Connect(context.Context) error                 { return nil }
func (stubMQTT) Publish(context.Context, string, []byte) error { return nil }
func (stubMQTT) IsConnected() bool                             { return true }
func (stubMQTT) Disconnect()                                   {}

func TestFrameOpenerUsesPattern(t *testing.T) {
	a := newTestApp(t, testSettings(t))

	_, err := a.FrameOpener()(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestDetectorFactoryRequiresModel(t *testing.T) {
	settings := testSettings(t)
	settings.Detector.ModelPath = ""
	a := newTestApp(t, settings)

	d, err := a.DetectorFactory()()
	require.Error(t, err)
	assert.Nil(t, d)
}

func TestNewRunner(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	ledger, err := a.OpenLedger()
	require.NoError(t, err)

	r, err := a.NewRunner(context.Background(), RunnerOptions{Ledger: ledger})
	require.NoError(t, err)
	require.NotNil(t, r)

	_, err = r.Begin(context.Background(), runner.Request{ProjectID: 1, MediaID: 2})
	require.Error(t, err, "a request without a seed is rejected before any work")
}

func TestCloseRunsClosersNewestFirst(t *testing.T) {
	a := New(nil)
	var order []int
	a.onClose(func() { order = append(order, 1) })
	a.onClose(func() { order = append(order, 2) })

	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}

var _ propagation.Refresher = (*recordingRefresher)(nil)
