package metrics

// Operation label values shared by the collectors in this package.
const (
	OpFrameProcess = "frame_process"
	OpDetect       = "detect"
	OpFinalize     = "finalize"
	OpCreate       = "create_localizations"
	OpAppend       = "append_to_track"
	OpSettle       = "settle"
	OpRefresh      = "refresh"
	OpGetMedia     = "get_media"
	OpGetLoc       = "get_localization"
	OpListLocs     = "list_localizations"
	OpListStates   = "list_states"
	OpRun          = "run"
	OpStartRun     = "start_run"
	OpFinishRun    = "finish_run"
	OpGetRun       = "get_run"
	OpListRuns     = "list_runs"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Frame outcome label values.
const (
	OutcomeNoTemplate    = "no_template"
	OutcomeTemplateFrame = "template_frame"
	OutcomeProcessed     = "processed"
	OutcomeError         = "error"
)

// Histogram bucket configuration.
const (
	// BucketStart1ms covers 1ms to ~1s with BucketCount10 doublings.
	BucketStart1ms = 0.001
	// BucketStart10ms covers 10ms to ~40s with BucketCount12 doublings.
	BucketStart10ms = 0.01
	// BucketStart64B is the first bucket for payload size histograms.
	BucketStart64B = 64.0

	BucketFactor2 = 2

	BucketCount10 = 10
	BucketCount12 = 12
)
