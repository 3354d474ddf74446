// Package datastore is the run ledger: one row per propagation run, kept in
// SQLite or MySQL through GORM.
package datastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/observability/metrics"
)

const (
	// DefaultListLimit applies when ListRuns is called with a non-positive limit.
	DefaultListLimit = 20
	// MaxListLimit caps a single ListRuns page.
	MaxListLimit = 1000

	// DefaultSlowQueryThreshold is the duration after which a query is logged as slow.
	DefaultSlowQueryThreshold = time.Second
)

// Interface is the run ledger.
type Interface interface {
	Open() error
	Close() error
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, outcome Outcome) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// DataStore implements the ledger operations shared by every backend.
type DataStore struct {
	DB      *gorm.DB
	metrics *metrics.LedgerMetrics
	log     logger.Logger
}

// Option configures a store built by New.
type Option func(*DataStore)

// WithMetrics records ledger operations on m.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(ds *DataStore) { ds.metrics = m }
}

// WithLogger replaces the datastore module logger.
func WithLogger(l logger.Logger) Option {
	return func(ds *DataStore) { ds.log = l }
}

// New returns the backend selected by settings.Output.Type. The store is not
// opened.
func New(settings *conf.Settings, opts ...Option) (Interface, error) {
	base := DataStore{log: logger.Global().Module("datastore")}
	for _, opt := range opts {
		opt(&base)
	}

	switch settings.Output.Type {
	case "sqlite":
		return &SQLiteStore{DataStore: base, Settings: settings}, nil
	case "mysql":
		return &MySQLStore{DataStore: base, Settings: settings}, nil
	default:
		return nil, errors.Newf("unsupported output type %q", settings.Output.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Context("output_type", settings.Output.Type).
			Build()
	}
}

// StartRun inserts run with status running. An empty ID is filled with a new
// uuid and a zero StartedAt with the current time.
func (ds *DataStore) StartRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning

	return ds.observe(metrics.OpStartRun, func() error {
		if err := ds.ready(); err != nil {
			return err
		}
		if err := ds.DB.WithContext(ctx).Create(run).Error; err != nil {
			return dbError(err, "start_run").Context("run_id", run.ID).Build()
		}
		return nil
	})
}

// FinishRun records the outcome of run id.
func (ds *DataStore) FinishRun(ctx context.Context, id string, outcome Outcome) error {
	err := ds.observe(metrics.OpFinishRun, func() error {
		if err := ds.ready(); err != nil {
			return err
		}

		createdIDs := ""
		if len(outcome.CreatedIDs) > 0 {
			data, err := json.Marshal(outcome.CreatedIDs)
			if err != nil {
				return errors.New(err).
					Component("datastore").
					Category(errors.CategoryValidation).
					Context("run_id", id).
					Build()
			}
			createdIDs = string(data)
		}
		errText := ""
		if outcome.Err != nil {
			errText = outcome.Err.Error()
		}

		result := ds.DB.WithContext(ctx).Model(&Run{}).Where("id = ?", id).Updates(map[string]any{
			"status":           outcome.Status,
			"track_id":         outcome.TrackID,
			"frames_processed": outcome.FramesProcessed,
			"frames_skipped":   outcome.FramesSkipped,
			"detections":       outcome.Detections,
			"drafts":           outcome.Drafts,
			"created_ids":      createdIDs,
			"error":            errText,
			"finished_at":      time.Now(),
		})
		if result.Error != nil {
			return dbError(result.Error, "finish_run").Context("run_id", id).Build()
		}
		if result.RowsAffected == 0 {
			return notFound(id, "finish_run")
		}
		return nil
	})
	if err == nil {
		ds.metrics.RecordRunFinished(string(outcome.Status))
	}
	return err
}

// GetRun returns run id, or a not-found error.
func (ds *DataStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := ds.observe(metrics.OpGetRun, func() error {
		if err := ds.ready(); err != nil {
			return err
		}
		if err := ds.DB.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(id, "get_run")
			}
			return dbError(err, "get_run").Context("run_id", id).Build()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recently started runs first.
func (ds *DataStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	var runs []Run
	err := ds.observe(metrics.OpListRuns, func() error {
		if err := ds.ready(); err != nil {
			return err
		}
		if err := ds.DB.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error; err != nil {
			return dbError(err, "list_runs").Context("limit", limit).Build()
		}
		return nil
	})
	return runs, err
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// observe runs fn and records its outcome on the ledger metrics.
func (ds *DataStore) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	ds.metrics.RecordDuration(operation, time.Since(start).Seconds())
	if err != nil {
		ds.metrics.RecordOperation(operation, metrics.StatusError)
		category := string(errors.CategoryGeneric)
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			category = string(ee.Category)
		}
		ds.metrics.RecordError(operation, category)
		return err
	}
	ds.metrics.RecordOperation(operation, metrics.StatusSuccess)
	return nil
}

func dbError(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)
}

func notFound(id, operation string) error {
	return errors.Newf("run %s not found", id).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("operation", operation).
		Context("run_id", id).
		Build()
}

// performAutoMigration migrates the ledger schema.
func performAutoMigration(db *gorm.DB, log logger.Logger, dbType, target string) error {
	if err := db.AutoMigrate(&Run{}); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Context("db_type", dbType).
			Build()
	}
	log.Debug("schema migrated", logger.String("db_type", dbType), logger.String("target", target))
	return nil
}

// closeDB closes the connection pool behind db.
func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "close").Build()
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close").Build()
	}
	return nil
}
