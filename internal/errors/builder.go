package errors

import (
	"fmt"
	"time"
)

// Priority overrides carried to telemetry.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown marks errors built without a component.
const ComponentUnknown = "unknown"

// ErrorBuilder assembles an EnhancedError. Start one with New or Newf and
// finish it with Build.
type ErrorBuilder struct {
	ee EnhancedError
}

// New starts a builder around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{ee: EnhancedError{Err: err}}
}

// Newf starts a builder around a formatted error. %w is honoured.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component names the package or subsystem that failed.
func (b *ErrorBuilder) Component(name string) *ErrorBuilder {
	b.ee.Component = name
	return b
}

// Category sets the category. Without one, Build classifies the error.
func (b *ErrorBuilder) Category(c ErrorCategory) *ErrorBuilder {
	b.ee.Category = c
	return b
}

// Priority overrides the telemetry priority. Unrecognised values become
// PriorityMedium.
func (b *ErrorBuilder) Priority(p string) *ErrorBuilder {
	switch p {
	case "":
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		b.ee.Priority = p
	default:
		b.ee.Priority = PriorityMedium
	}
	return b
}

// Context attaches a key/value pair.
func (b *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if b.ee.Context == nil {
		b.ee.Context = make(map[string]any, 4)
	}
	b.ee.Context[key] = value
	return b
}

// NetworkContext records the kind of endpoint and the timeout in force.
// The address itself is not kept.
func (b *ErrorBuilder) NetworkContext(address string, timeout time.Duration) *ErrorBuilder {
	if address != "" {
		b.Context("endpoint", endpointKind(address))
	}
	if timeout > 0 {
		b.Context("timeout_seconds", timeout.Seconds())
	}
	return b
}

// Timing records which operation failed and how long it ran.
func (b *ErrorBuilder) Timing(operation string, elapsed time.Duration) *ErrorBuilder {
	return b.Context("operation", operation).Context("duration_ms", elapsed.Milliseconds())
}

// Build returns the error and, when a reporter or hook is installed, hands
// it to them.
func (b *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       b.ee.Err,
		Component: b.ee.Component,
		Category:  b.ee.Category,
		Priority:  b.ee.Priority,
		Context:   b.ee.Context,
		Timestamp: time.Now(),
	}
	if ee.Err == nil {
		ee.Err = NewStd("unknown error")
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = classify(ee.Err)
	}

	if hasActiveReporting.Load() {
		dispatch(ee)
	}
	return ee
}

// ValidationError builds a CategoryValidation error from message.
func ValidationError(message string) *EnhancedError {
	return New(NewStd(message)).Category(CategoryValidation).Build()
}
