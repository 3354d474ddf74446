package errors

import (
	"context"
	"net/url"
	"strings"
)

// ErrorCategory groups errors for telemetry and for callers that branch on
// the kind of failure rather than its message.
type ErrorCategory string

// Input and state.
const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryState         ErrorCategory = "state"
)

// Remote services.
const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryHTTP           ErrorCategory = "http-request"
	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"
	CategoryDatabase       ErrorCategory = "database"
)

// Detection pipeline.
const (
	CategoryDetector    ErrorCategory = "detector"
	CategoryModelInit   ErrorCategory = "model-initialization"
	CategoryModelLoad   ErrorCategory = "model-loading"
	CategoryImageDecode ErrorCategory = "image-decode"
	CategoryFileIO      ErrorCategory = "file-io"
)

// Lifecycle.
const (
	CategoryTimeout      ErrorCategory = "timeout"
	CategoryCancellation ErrorCategory = "cancellation"
	CategoryGeneric      ErrorCategory = "generic"
)

// messageHints maps message fragments to a category, checked in order.
var messageHints = []struct {
	category  ErrorCategory
	fragments []string
}{
	{CategoryTimeout, []string{"timeout", "deadline"}},
	{CategoryNetwork, []string{"connection", "dial"}},
	{CategoryValidation, []string{"invalid", "validation"}},
	{CategoryModelLoad, []string{"model"}},
	{CategoryImageDecode, []string{"decode", "image"}},
	{CategoryFileIO, []string{"file", "open"}},
}

// classify picks a category for an error built without one. A wrapped
// EnhancedError keeps its category; context errors map to their lifecycle
// category; anything else is guessed from the message.
func classify(err error) ErrorCategory {
	var inner *EnhancedError
	if As(err, &inner) && inner.Category != "" {
		return inner.Category
	}
	switch {
	case Is(err, context.Canceled):
		return CategoryCancellation
	case Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range messageHints {
		for _, fragment := range hint.fragments {
			if strings.Contains(msg, fragment) {
				return hint.category
			}
		}
	}
	return CategoryGeneric
}

// endpointKind reduces an address to the kind of endpoint it names so that
// hosts never reach error context.
func endpointKind(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return "unparsed-endpoint"
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "https-endpoint"
	case "http":
		return "http-endpoint"
	case "tcp", "ssl", "mqtt", "mqtts", "ws", "wss":
		return "mqtt-broker"
	case "":
		return "unparsed-endpoint"
	default:
		return u.Scheme + "-endpoint"
	}
}

// IsCategory reports whether err wraps an EnhancedError of category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return As(err, &ee) && ee.Category == category
}

// IsNotFound reports whether err wraps a CategoryNotFound error.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
