// pkg/schema/events.go
package schema

// Stage names one phase of an item's pipeline.
type Stage string

const (
	StageDownload  Stage = "download"
	StageTransform Stage = "transform"
	StageUpload    Stage = "upload"
)

// FailureType classifies why an item failed so that consumers can
// decide whether a retry is worthwhile.
type FailureType string

const (
	FailureTransient  FailureType = "transient_network"
	FailurePermanent  FailureType = "permanent_request"
	FailureEncoding   FailureType = "encoding_failure"
	FailureUpload     FailureType = "upload_failure"
	FailureCancelled  FailureType = "cancelled"
	FailureValidation FailureType = "validation"
)

// SourceRef is one fetchable artifact inside a job request.
type SourceRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// JobRequest is the submission payload accepted over HTTP and NATS.
type JobRequest struct {
	Items               map[string][]SourceRef `json:"items"`
	OutputFormat        string                 `json:"output_format"`
	TargetWidth         int                    `json:"target_width"`
	TargetHeight        int                    `json:"target_height"`
	MaxWorkersPrimary   int                    `json:"max_workers_primary"`
	MaxWorkersSecondary int                    `json:"max_workers_secondary"`
	QualityBudgetBytes  int64                  `json:"quality_budget_bytes"`
	EnhancePrompt       string                 `json:"enhance_prompt,omitempty"`
}

// ProgressEvent is delivered to progress subscribers. Type is one of
// "progress", "complete" or "ping"; Seq is monotonic per job.
type ProgressEvent struct {
	Type       string  `json:"type"`
	JobID      string  `json:"job_id,omitempty"`
	Seq        uint64  `json:"seq,omitempty"`
	Stage      Stage   `json:"stage,omitempty"`
	Status     string  `json:"status,omitempty"`
	ItemKey    string  `json:"item_key,omitempty"`
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ImageMeta describes the encoded artifact persisted for an item.
type ImageMeta struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
}

// ItemResult is the terminal record for one item.
type ItemResult struct {
	ItemKey     string      `json:"item_key"`
	OK          bool        `json:"ok"`
	ResultURL   string      `json:"result_url,omitempty"`
	SourceURL   string      `json:"source_url,omitempty"`
	Error       string      `json:"error,omitempty"`
	FailureType FailureType `json:"failure_type,omitempty"`
	Metadata    *ImageMeta  `json:"metadata,omitempty"`
}

// JobDone is the terminal summary published on the result subject.
type JobDone struct {
	JobID            string       `json:"job_id"`
	State            string       `json:"state"`
	TotalItems       int          `json:"total_items"`
	Succeeded        int          `json:"succeeded"`
	Failed           int          `json:"failed"`
	Cancelled        int          `json:"cancelled"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Results          []ItemResult `json:"results,omitempty"`
	HappenedAt       int64        `json:"happened_at"`
}
