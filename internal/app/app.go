// Package app builds trackfill's collaborators from Settings and owns their
// lifetime. The CLI commands share one App.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/trackfill/internal/buildinfo"
	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/detector"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/frames"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/mqtt"
	"github.com/tphakala/trackfill/internal/observability"
	"github.com/tphakala/trackfill/internal/propagation"
	"github.com/tphakala/trackfill/internal/refresh"
	"github.com/tphakala/trackfill/internal/runner"
	"github.com/tphakala/trackfill/internal/tator"
	"github.com/tphakala/trackfill/internal/telemetry"
)

const componentName = "app"

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 30 * time.Second

// App is the composition root.
type App struct {
	Build    *buildinfo.Context
	Settings *conf.Settings
	Metrics  *observability.Metrics

	log     logger.Logger
	central *logger.CentralLogger

	mu      sync.Mutex
	closers []func()
}

// New returns an App that still needs Init.
func New(build *buildinfo.Context) *App {
	return &App{Build: build, log: logger.Global().Module(componentName)}
}

// Init installs logging, metrics and telemetry for settings.
func (a *App) Init(settings *conf.Settings) error {
	if settings == nil {
		return errors.Newf("settings are required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	a.Settings = settings

	if err := a.initLogging(); err != nil {
		return err
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("operation", "init_metrics").
			Build()
	}
	a.Metrics = m

	if err := telemetry.InitSentry(settings, telemetry.WithBuildInfo(a.Build)); err != nil {
		// telemetry is optional
		a.log.Warn("telemetry disabled", logger.Error(err))
	} else {
		a.onClose(func() { telemetry.Shutdown(telemetry.DefaultFlushTimeout) })
	}

	a.log.Debug("initialized", logger.String("version", a.Build.GetVersion()))
	return nil
}

func (a *App) initLogging() error {
	cfg := a.Settings.Main.Log
	if a.Settings.Debug {
		cfg.DefaultLevel = "debug"
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = "debug"
			cfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("operation", "init_logging").
			Build()
	}
	logger.SetGlobal(central)
	a.central = central
	a.log = central.Module(componentName)
	return nil
}

// Logger returns the module logger for name.
func (a *App) Logger(name string) logger.Logger {
	return logger.Global().Module(name)
}

// OpenLedger opens the configured run ledger. It is closed by Close.
func (a *App) OpenLedger() (datastore.Interface, error) {
	ds, err := datastore.New(a.Settings,
		datastore.WithMetrics(a.Metrics.Ledger),
		datastore.WithLogger(a.Logger("datastore")),
	)
	if err != nil {
		return nil, err
	}
	if err := ds.Open(); err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := ds.Close(); err != nil {
			a.log.Warn("failed to close run ledger", logger.Error(err))
		}
	})
	return ds, nil
}

// NewTatorClient creates the annotation service client.
func (a *App) NewTatorClient() (*tator.Client, error) {
	s := a.Settings.Tator
	cfg := tator.DefaultConfig()
	cfg.Host = s.Host
	cfg.Token = s.Token
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.CacheTTL > 0 {
		cfg.CacheTTL = s.CacheTTL
	}
	if s.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = s.RequestsPerSecond
	}
	if s.Burst > 0 {
		cfg.Burst = s.Burst
	}
	if s.MaxRetries > 0 {
		cfg.MaxRetries = s.MaxRetries
	}

	client, err := tator.NewClient(cfg,
		tator.WithLogger(a.Logger("tator")),
		tator.WithMetrics(a.Metrics.Tator),
	)
	if err != nil {
		return nil, err
	}
	a.onClose(client.Close)
	return client, nil
}

// ConnectMQTT connects the refresh signal publisher. It returns nil when
// MQTT is disabled.
func (a *App) ConnectMQTT(ctx context.Context) (mqtt.Client, error) {
	s := a.Settings.MQTT
	if !s.Enabled {
		return nil, nil
	}
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.Broker
	if s.ClientID != "" {
		cfg.ClientID = s.ClientID
	}
	cfg.Username = s.Username
	cfg.Password = s.Password

	client, err := mqtt.NewClient(cfg, a.Metrics.MQTT)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		// publishing reconnects; a broker that is down now is not fatal
		a.log.Warn("MQTT broker unavailable, refresh signals will retry",
			logger.String("broker", s.Broker), logger.Error(err))
	}
	a.onClose(client.Disconnect)
	return client, nil
}

// DetectorFactory builds one ONNX detector per run from the detector settings.
func (a *App) DetectorFactory() func() (propagation.Detector, error) {
	s := a.Settings.Detector
	cfg := detector.Config{
		ModelPath:    s.ModelPath,
		LibraryPath:  s.LibraryPath,
		InputWidth:   s.InputWidth,
		InputHeight:  s.InputHeight,
		Predictions:  s.Anchors,
		Normalized:   s.Normalized,
		ScoreFloor:   s.ScoreFloor,
		IoUThreshold: s.IoUThreshold,
		Threads:      s.Threads,
	}
	return func() (propagation.Detector, error) {
		d, err := detector.NewONNXDetector(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// FrameOpener opens frame directories with the configured file pattern.
func (a *App) FrameOpener() func(dir string) (runner.FrameSource, error) {
	pattern := a.Settings.Frames.Pattern
	return func(dir string) (runner.FrameSource, error) {
		src, err := frames.NewDirSource(dir, pattern)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// RefresherFor returns the per-run refresher: the service cache, plus an
// MQTT signal when mq is not nil.
func (a *App) RefresherFor(service propagation.Refresher, mq mqtt.Client) func(runner.Request) propagation.Refresher {
	topic := a.Settings.MQTT.Topic
	return func(req runner.Request) propagation.Refresher {
		if mq == nil {
			return service
		}
		return refresh.Fanout{service, refresh.NewMQTTRefresher(mq, topic, req.MediaID)}
	}
}

// RunnerOptions are the parts of a runner that vary per command.
type RunnerOptions struct {
	Ledger datastore.Interface // optional
}

// NewRunner wires a propagation runner from the settings.
func (a *App) NewRunner(ctx context.Context, opts RunnerOptions) (*runner.Runner, error) {
	client, err := a.NewTatorClient()
	if err != nil {
		return nil, err
	}
	mq, err := a.ConnectMQTT(ctx)
	if err != nil {
		return nil, err
	}

	p := a.Settings.Propagation
	return runner.New(runner.Config{
		Service:      client,
		Ledger:       opts.Ledger,
		NewDetector:  a.DetectorFactory(),
		OpenFrames:   a.FrameOpener(),
		FramesDir:    a.Settings.Frames.Directory,
		RefresherFor: a.RefresherFor(client, mq),
		Options: propagation.Options{
			MinConfidence:       p.MinConfidence,
			SettleDelay:         p.SettleDelay,
			PreserveCorpusOrder: p.PreserveCorpusOrder,
		},
		DetectorTimeout:         a.Settings.Detector.Timeout,
		Prefetch:                p.Prefetch,
		ContinueOnDetectorError: p.ContinueOnDetectorError,
		Logger:                  a.Logger("runner"),
		Metrics:                 a.Metrics.Propagation,
	})
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close releases everything the App opened, newest first, then flushes logs.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	if a.central != nil {
		if err := a.central.Close(); err != nil {
			a.log.Warn("failed to close logger", logger.Error(err))
		}
	}
}
