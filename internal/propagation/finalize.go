package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/observability/metrics"
)

// Finalize result labels.
const (
	finalizeCommitted = "committed"
	finalizeNoOp      = "no_op"
	finalizeFailed    = "failed"
	finalizeDiscarded = "discarded"
)

// FinalizeResult reports what Finalize persisted.
type FinalizeResult struct {
	// Committed is true once the new ids are linked into the track.
	Committed bool
	// IDs are the server-assigned ids in draft order, set once creation succeeded.
	IDs []int64
	// Drafts is the number of drafts that were sent.
	Drafts int
}

// Finalize creates every buffered draft in one batch, links the new ids into
// the track, waits for the settle delay and then refreshes the annotation and
// track categories. An empty buffer is a successful no-op. The detector is
// released in every case, and the engine accepts no further work.
//
// Creation and linking failures abort without compensation. A refresh failure
// is returned together with a committed result.
func (e *Engine) Finalize(ctx context.Context) (FinalizeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return FinalizeResult{}, ErrFinalized
	}
	e.sealed = true
	defer e.releaseDetector()

	drafts := e.drafts
	e.drafts = nil
	result := FinalizeResult{Drafts: len(drafts)}

	if len(drafts) == 0 {
		e.log.Info("no annotations created by propagation")
		e.metrics.RecordFinalize(finalizeNoOp)
		return result, nil
	}

	start := time.Now()
	ids, err := e.store.CreateLocalizations(ctx, e.projectID, drafts)
	e.metrics.RecordDuration(metrics.OpCreate, time.Since(start).Seconds())
	if err != nil {
		e.fail(metrics.OpCreate, err)
		return result, fmt.Errorf("create %d localizations: %w", len(drafts), err)
	}
	result.IDs = ids
	if len(ids) != len(drafts) {
		e.log.Warn("server returned unexpected id count",
			logger.Int("drafts", len(drafts)),
			logger.Int("ids", len(ids)))
	}

	start = time.Now()
	err = e.store.AppendToTrack(ctx, e.trackCtx.Track.ID, ids)
	e.metrics.RecordDuration(metrics.OpAppend, time.Since(start).Seconds())
	if err != nil {
		e.fail(metrics.OpAppend, err)
		return result, fmt.Errorf("append %d localizations to track %d: %w", len(ids), e.trackCtx.Track.ID, err)
	}
	result.Committed = true
	e.metrics.RecordFinalize(finalizeCommitted)
	e.log.Info("propagated annotations committed",
		logger.Int("drafts", len(drafts)),
		logger.Int("ids", len(ids)))

	if err := e.wait(ctx, e.opts.SettleDelay); err != nil {
		e.metrics.RecordError(metrics.OpSettle, string(errors.CategoryCancellation))
		return result, errors.New(err).
			Component(componentName).
			Category(errors.CategoryCancellation).
			Context("operation", metrics.OpSettle).
			Build()
	}

	return result, e.refresh(ctx)
}

// Discard seals the engine without persisting anything, releases the detector
// and returns the number of drafts dropped. It is a no-op after Finalize.
func (e *Engine) Discard() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return 0
	}
	e.sealed = true
	defer e.releaseDetector()

	dropped := len(e.drafts)
	e.drafts = nil
	e.metrics.RecordFinalize(finalizeDiscarded)
	if dropped > 0 {
		e.log.Warn("pending drafts discarded", logger.Int("drafts", dropped))
	}
	return dropped
}

// refresh signals the annotation category then the track category. Both are
// attempted even if the first fails.
func (e *Engine) refresh(ctx context.Context) error {
	if e.refresher == nil {
		return nil
	}

	var errs []error
	for _, category := range []string{e.lastTemplateType, e.trackCtx.Track.Type} {
		if err := e.refresher.Refresh(ctx, category); err != nil {
			e.metrics.RecordError(metrics.OpRefresh, string(errors.CategoryGeneric))
			e.log.Warn("refresh failed", logger.String("category", category), logger.Error(err))
			errs = append(errs, fmt.Errorf("refresh %s: %w", category, err))
			continue
		}
		e.metrics.RecordOperation(metrics.OpRefresh, metrics.StatusSuccess)
	}
	return errors.Join(errs...)
}

func (e *Engine) fail(operation string, err error) {
	e.metrics.RecordFinalize(finalizeFailed)
	e.metrics.RecordError(operation, errorType(err))
	e.log.Error("finalize failed", logger.String("operation", operation), logger.Error(err))
}

// releaseDetector closes the detector exactly once.
func (e *Engine) releaseDetector() {
	e.releaseOnce.Do(func() {
		if err := e.detector.Close(); err != nil {
			e.log.Warn("detector release failed", logger.Error(err))
		}
	})
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return string(ee.Category)
	}
	return string(errors.CategoryGeneric)
}
