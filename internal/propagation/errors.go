package propagation

import (
	"github.com/tphakala/trackfill/internal/annotation"
	"github.com/tphakala/trackfill/internal/errors"
)

// Sentinel errors. Check them with errors.Is.
var (
	ErrInvalidGeometry = errors.NewStd("frame width and height must be positive")
	ErrNilDetector     = errors.NewStd("detector is required")
	ErrNilStore        = errors.NewStd("store is required")
	ErrSeedNotInTrack  = errors.NewStd("seed annotation does not belong to the track")
	ErrInvalidFrame    = errors.NewStd("frame index must not be negative")
	ErrFinalized       = errors.NewStd("engine already finalized")
	ErrInvalidTypeID   = annotation.ErrInvalidTypeID
)

func validationError(sentinel error, msg string, kv ...any) error {
	b := errors.Newf("%w: %s", sentinel, msg).
		Component(componentName).
		Category(errors.CategoryValidation)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			b = b.Context(key, kv[i+1])
		}
	}
	return b.Build()
}
