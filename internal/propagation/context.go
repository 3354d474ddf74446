package propagation

import (
	"cmp"
	"slices"

	"github.com/tphakala/trackfill/internal/annotation"
)

// TrackContext is the read-only annotation history of one track.
type TrackContext struct {
	Seed        annotation.Annotation
	Track       annotation.Track
	Annotations []annotation.Annotation
}

// BuildTrackContext selects the corpus entries that belong to track and
// orders them by frame. Entries sharing a frame keep their corpus order.
func BuildTrackContext(seed annotation.Annotation, track annotation.Track, corpus []annotation.Annotation, index annotation.MembershipIndex) TrackContext {
	tc := buildTrackContext(seed, track, corpus, index)
	slices.SortStableFunc(tc.Annotations, func(a, b annotation.Annotation) int {
		return cmp.Compare(a.Frame, b.Frame)
	})
	return tc
}

// buildTrackContext filters without reordering.
func buildTrackContext(seed annotation.Annotation, track annotation.Track, corpus []annotation.Annotation, index annotation.MembershipIndex) TrackContext {
	members := make([]annotation.Annotation, 0, len(track.Members))
	for i := range corpus {
		if trackID, ok := index.TrackOf(corpus[i].ID); ok && trackID == track.ID {
			members = append(members, corpus[i])
		}
	}
	return TrackContext{Seed: seed, Track: track, Annotations: members}
}

// Template returns the annotation with the greatest frame not after
// frameIndex. On equal frames the earliest entry wins.
func (tc *TrackContext) Template(frameIndex int) (*annotation.Annotation, bool) {
	var latest *annotation.Annotation
	for i := range tc.Annotations {
		a := &tc.Annotations[i]
		if a.Frame > frameIndex {
			continue
		}
		if latest == nil || a.Frame > latest.Frame {
			latest = a
		}
	}
	return latest, latest != nil
}

// Len returns the number of annotations in the context.
func (tc TrackContext) Len() int { return len(tc.Annotations) }
