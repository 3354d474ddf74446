// Package annotation holds the data model shared by the propagation engine,
// the REST client and the run ledger: localizations, tracks, detector output
// and not-yet-persisted drafts.
package annotation

import (
	"strconv"
	"strings"

	"github.com/tphakala/trackfill/internal/errors"
)

// ErrInvalidTypeID is returned when a type identifier has no numeric suffix.
var ErrInvalidTypeID = errors.NewStd("invalid type identifier")

// Annotation is a single bounding box attached to one frame of one media.
// Coordinates are normalized to the frame size; X,Y is the top-left corner.
type Annotation struct {
	ID         int64
	Media      int64
	Frame      int
	Type       string // e.g. "box_3"
	Version    Version
	Attributes Attributes
	X, Y       float64
	Width      float64
	Height     float64
}

// Track groups annotations of one subject across frames.
type Track struct {
	ID      int64
	Type    string // e.g. "state_2"
	Members []int64
}

// MembershipIndex maps an annotation id to the id of the track it belongs to.
type MembershipIndex map[int64]int64

// IndexTracks builds a MembershipIndex. An annotation listed by several
// tracks is assigned to the first of them.
func IndexTracks(tracks []Track) MembershipIndex {
	index := make(MembershipIndex)
	for i := range tracks {
		for _, id := range tracks[i].Members {
			if _, seen := index[id]; !seen {
				index[id] = tracks[i].ID
			}
		}
	}
	return index
}

// TrackOf returns the track id for annotation id.
func (m MembershipIndex) TrackOf(id int64) (int64, bool) {
	trackID, ok := m[id]
	return trackID, ok
}

// Detection is one candidate box returned by a detector, in pixel coordinates.
type Detection struct {
	TopLeft     [2]float64
	BottomRight [2]float64
	Probability []float64
}

// Score returns the leading probability, or 0 when there is none.
func (d Detection) Score() float64 {
	if len(d.Probability) == 0 {
		return 0
	}
	return d.Probability[0]
}

// Draft is an annotation that has not been persisted yet.
type Draft struct {
	MediaID    int64
	Type       int
	X, Y       float64
	Width      float64
	Height     float64
	Frame      int
	Version    Version
	Attributes Attributes
}

// fields returns the draft's own columns as attributes, in wire order.
func (d Draft) fields() Attributes {
	return NewAttributes(
		"media_id", d.MediaID,
		"type", d.Type,
		"x", d.X,
		"y", d.Y,
		"width", d.Width,
		"height", d.Height,
		"frame", d.Frame,
		"version", d.Version,
	)
}

// MarshalJSON writes one flat object: the template attributes with the
// draft's own fields merged over them. A clashing attribute keeps its
// position but takes the draft's value.
func (d Draft) MarshalJSON() ([]byte, error) {
	return d.Attributes.Merge(d.fields()).MarshalJSON()
}

// ParseTypeID extracts the numeric part of a "<prefix>_<number>" type
// identifier. Only the segment after the first underscore is read, so
// "a_5_7" yields 5.
func ParseTypeID(typeID string) (int, error) {
	parts := strings.Split(typeID, "_")
	if len(parts) < 2 {
		return 0, errors.Newf("%w: %q has no numeric suffix", ErrInvalidTypeID, typeID).
			Component("annotation").
			Category(errors.CategoryValidation).
			Context("type_id", typeID).
			Build()
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Newf("%w: %q: %w", ErrInvalidTypeID, typeID, err).
			Component("annotation").
			Category(errors.CategoryValidation).
			Context("type_id", typeID).
			Build()
	}
	return n, nil
}
