package datastore

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a propagation run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCommitted RunStatus = "committed"
	StatusNoOp      RunStatus = "no-op"
	StatusFailed    RunStatus = "failed"
)

// Run is one propagation run recorded in the ledger.
type Run struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	ProjectID       int64      `gorm:"index" json:"project_id"`
	MediaID         int64      `gorm:"index" json:"media_id"`
	TrackID         int64      `json:"track_id"`
	SeedID          int64      `gorm:"index" json:"seed_id"`
	FromFrame       int        `json:"from_frame"`
	ToFrame         int        `json:"to_frame"`
	FramesProcessed int        `json:"frames_processed"`
	FramesSkipped   int        `json:"frames_skipped"`
	Detections      int        `json:"detections"`
	Drafts          int        `json:"drafts"`
	CreatedIDs      string     `gorm:"type:text" json:"-"` // JSON array of localization ids
	Status          RunStatus  `gorm:"size:16;index" json:"status"`
	Error           string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt       time.Time  `gorm:"index" json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// TableName pins the table name independent of GORM's pluralization.
func (Run) TableName() string {
	return "propagation_runs"
}

// LocalizationIDs decodes CreatedIDs.
func (r *Run) LocalizationIDs() ([]int64, error) {
	if r.CreatedIDs == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(r.CreatedIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Outcome is what FinishRun records for a run.
type Outcome struct {
	Status          RunStatus
	TrackID         int64
	FramesProcessed int
	FramesSkipped   int
	Detections      int
	Drafts          int
	CreatedIDs      []int64
	Err             error
}
