// Package telemetry provides opt-in, privacy-filtered error reporting to Sentry.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/trackfill/internal/buildinfo"
	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
)

const componentName = "telemetry"

// DefaultFlushTimeout bounds how long shutdown waits for queued events.
const DefaultFlushTimeout = 2 * time.Second

var initialized atomic.Bool

type options struct {
	transport   sentry.Transport
	build       *buildinfo.Context
	environment string
}

// Option customises InitSentry.
type Option func(*options)

// WithTransport replaces the HTTP transport, e.g. with a recorder in tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithBuildInfo sets the release reported with every event.
func WithBuildInfo(b *buildinfo.Context) Option {
	return func(o *options) { o.build = b }
}

// WithEnvironment overrides the "production" environment tag.
func WithEnvironment(env string) Option {
	return func(o *options) { o.environment = env }
}

// InitSentry initializes the Sentry SDK and routes enhanced errors to it.
// It does nothing unless settings.Sentry.Enabled is set.
func InitSentry(settings *conf.Settings, opts ...Option) error {
	log := logger.Global().Module(componentName)
	if settings == nil || !settings.Sentry.Enabled {
		log.Debug("Sentry telemetry is disabled")
		return nil
	}

	o := options{environment: "production"}
	for _, opt := range opts {
		opt(&o)
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Transport:        o.transport,
		SampleRate:       1.0,
		AttachStacktrace: true,
		Environment:      o.environment,
		ServerName:       "",
		Release:          o.build.Release(),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized.Store(true)
	log.Info("Sentry telemetry enabled", logger.String("release", o.build.Release()))
	return nil
}

// Enabled reports whether InitSentry configured a client.
func Enabled() bool {
	return initialized.Load()
}

// Flush waits up to timeout for queued events to be delivered. It reports
// false if events were still pending when the timeout expired.
func Flush(timeout time.Duration) bool {
	if !initialized.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

// Shutdown flushes pending events and detaches the error reporter.
func Shutdown(timeout time.Duration) {
	if !initialized.Load() {
		return
	}
	if !sentry.Flush(timeout) {
		logger.Global().Module(componentName).Warn("telemetry flush timed out",
			logger.Duration("timeout", timeout))
	}
	errors.SetTelemetryReporter(nil)
	initialized.Store(false)
}

// applyPrivacyFilters strips host and user identifying data from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
