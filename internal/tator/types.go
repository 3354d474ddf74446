// Package tator is a client for the annotation service REST API: media
// metadata, localizations and states (tracks).
package tator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tphakala/trackfill/internal/annotation"
)

// Config holds configuration for the REST client.
type Config struct {
	Host              string        `json:"host"`  // e.g. https://cloud.tator.io
	Token             string        `json:"token"` // API token, sent as "Authorization: Token <token>"
	Timeout           time.Duration `json:"timeout"`
	CacheTTL          time.Duration `json:"cache_ttl"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	MaxRetries        int           `json:"max_retries"`   // attempts for idempotent GETs
	RetryBackoff      time.Duration `json:"retry_backoff"` // multiplied by the attempt number

	// Transport replaces the HTTP transport, e.g. with an httpmock transport.
	Transport http.RoundTripper `json:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		CacheTTL:          5 * time.Minute,
		RequestsPerSecond: 10,
		Burst:             5,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
	}
}

// Media is the subset of media metadata the propagation needs.
type Media struct {
	ID        int64   `json:"id"`
	Project   int64   `json:"project"`
	Name      string  `json:"name"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	NumFrames int     `json:"num_frames"`
	FPS       float64 `json:"fps"`
}

// localizationWire is a localization as returned by the service.
type localizationWire struct {
	ID         int64                 `json:"id"`
	Project    int64                 `json:"project"`
	Meta       string                `json:"meta"`
	Type       json.RawMessage       `json:"type"`
	Media      int64                 `json:"media"`
	Frame      int                   `json:"frame"`
	Version    annotation.Version    `json:"version"`
	X          *float64              `json:"x"`
	Y          *float64              `json:"y"`
	Width      *float64              `json:"width"`
	Height     *float64              `json:"height"`
	Attributes annotation.Attributes `json:"attributes"`
}

// typeID returns the "<prefix>_<number>" identifier. Older servers put it in
// meta, newer ones in a string-valued type field.
func (w *localizationWire) typeID() string {
	if w.Meta != "" {
		return w.Meta
	}
	var s string
	if len(w.Type) > 0 && json.Unmarshal(w.Type, &s) == nil {
		return s
	}
	return ""
}

func (w *localizationWire) toAnnotation() annotation.Annotation {
	a := annotation.Annotation{
		ID:         w.ID,
		Media:      w.Media,
		Frame:      w.Frame,
		Type:       w.typeID(),
		Version:    w.Version,
		Attributes: w.Attributes,
	}
	a.X = deref(w.X)
	a.Y = deref(w.Y)
	a.Width = deref(w.Width)
	a.Height = deref(w.Height)
	return a
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// stateWire is a state (track) as returned by the service.
type stateWire struct {
	ID            int64   `json:"id"`
	Meta          string  `json:"meta"`
	Localizations []int64 `json:"localizations"`
}

func (w *stateWire) toTrack() annotation.Track {
	return annotation.Track{ID: w.ID, Type: w.Meta, Members: w.Localizations}
}

// createResponse is the body of a successful bulk create.
type createResponse struct {
	Message string  `json:"message"`
	ID      []int64 `json:"id"`
}

// appendRequest links localizations into a state.
type appendRequest struct {
	LocalizationIDsAdd []int64 `json:"localization_ids_add"`
}
