package errors

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/trackfill/internal/privacy"
)

// TelemetryReporter receives every built error while it reports enabled.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// SentryReporter sends errors to the Sentry hub configured by sentry.Init.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter returns a reporter. A disabled one drops everything.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (r *SentryReporter) IsEnabled() bool {
	return r.enabled
}

// ReportError sends ee once, with credentials scrubbed from its message and
// string context values.
func (r *SentryReporter) ReportError(ee *EnhancedError) {
	if !r.enabled || ee.IsReported() {
		return
	}

	message := privacy.ScrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	title := errorTitle(ee)
	level := errorLevel(ee.Category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = privacy.ScrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// errorTitle builds a grouping title such as "Tator Http Request Create Localizations"
func errorTitle(ee *EnhancedError) string {
	var parts []string
	if ee.Component != "" && ee.Component != ComponentUnknown {
		parts = append(parts, titleCase(ee.Component))
	}
	parts = append(parts, titleWords(string(ee.Category), "-"))
	if op, ok := ee.Context["operation"].(string); ok && op != "" {
		parts = append(parts, titleWords(op, "_"))
	}
	return strings.Join(parts, " ")
}

func titleWords(s, sep string) string {
	words := strings.Fields(strings.ReplaceAll(s, sep, " "))
	for i, w := range words {
		words[i] = titleCase(w)
	}
	return strings.Join(words, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// errorLevel maps categories to Sentry levels; transient failures are warnings
func errorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryNetwork, CategoryHTTP, CategoryTimeout, CategoryMQTTConnection, CategoryMQTTPublish:
		return sentry.LevelWarning
	case CategoryCancellation:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}

var (
	telemetryMu       sync.RWMutex
	installedReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter. Pass nil to disable.
func SetTelemetryReporter(reporter TelemetryReporter) {
	telemetryMu.Lock()
	installedReporter = reporter
	telemetryMu.Unlock()

	hooksMu.Lock()
	defer hooksMu.Unlock()
	refreshReporting()
}

// GetTelemetryReporter returns the installed reporter, or nil.
func GetTelemetryReporter() TelemetryReporter {
	telemetryMu.RLock()
	defer telemetryMu.RUnlock()
	return installedReporter
}
