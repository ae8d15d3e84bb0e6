// internal/job/job.go
package job

import (
	"math"
	"sync"
	"time"

	"github.com/mediakit/imagestudio/pkg/schema"
)

// State is a job's lifecycle position. Completed, PartiallyFailed and
// Cancelled are terminal.
type State string

const (
	StatePending         State = "pending"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	StateCancelled       State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyFailed, StateCancelled:
		return true
	}
	return false
}

// Item is one unit of work: a stable key plus its candidate sources.
type Item struct {
	Key     string
	Sources []Source
}

// Options are the per-job processing knobs, normalized at submission.
type Options struct {
	OutputFormat string
	TargetWidth  int
	TargetHeight int

	// ItemWorkers bounds how many items run at once. StageWorkers
	// bounds concurrent downloads across those items, UploadWorkers
	// the uploads, and TransformWorkers the CPU-heavy decode/encode
	// stage.
	ItemWorkers      int
	StageWorkers     int
	TransformWorkers int
	UploadWorkers    int

	QualityBudgetBytes int64
	EnhancePrompt      string
}

// Job tracks one submission from acceptance to terminal state. All
// mutable fields are guarded by mu; results only ever grows and every
// item contributes exactly one entry.
type Job struct {
	ID        string
	Items     []Item
	Opts      Options
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	results    []schema.ItemResult
	cancelled  bool
	cancelFn   func()
	startedAt  time.Time
	finishedAt time.Time
}

// Snapshot is a point-in-time copy of a job's externally visible
// state, safe to serialize while the job is still running.
type Snapshot struct {
	ID         string              `json:"job_id"`
	State      State               `json:"state"`
	Total      int                 `json:"total_items"`
	Completed  int                 `json:"completed_items"`
	Percentage float64             `json:"percentage"`
	Results    []schema.ItemResult `json:"results,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

func newJob(id string, items []Item, opts Options) *Job {
	return &Job{
		ID:        id,
		Items:     items,
		Opts:      opts,
		CreatedAt: time.Now(),
		state:     StatePending,
	}
}

func (j *Job) begin(cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateRunning
	j.cancelFn = cancel
	j.startedAt = time.Now()
	if j.cancelled {
		// Cancel raced the start; honour it immediately.
		cancel()
	}
}

// requestCancel flips the cancellation flag and wakes the pipeline.
// Returns false once the job is already terminal.
func (j *Job) requestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.cancelled = true
	if j.cancelFn != nil {
		j.cancelFn()
	}
	return true
}

// progress reports (completed, total) item counts.
func (j *Job) progress() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.results), len(j.Items)
}

// appendResult records one item's terminal record and reports overall
// progress as (completed, total).
func (j *Job) appendResult(res schema.ItemResult) (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, res)
	return len(j.results), len(j.Items)
}

// finish derives and installs the terminal state from the collected
// results: any cancelled item marks the whole job cancelled, any
// failure marks it partially failed, otherwise it completed.
func (j *Job) finish() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishedAt = time.Now()

	state := StateCompleted
	for _, r := range j.results {
		if r.OK {
			continue
		}
		if r.FailureType == schema.FailureCancelled {
			state = StateCancelled
			break
		}
		state = StatePartiallyFailed
	}
	j.state = state
	return state
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:        j.ID,
		State:     j.state,
		Total:     len(j.Items),
		Completed: len(j.results),
		Results:   append([]schema.ItemResult(nil), j.results...),
		CreatedAt: j.CreatedAt,
	}
	if len(j.Items) > 0 {
		snap.Percentage = round1(float64(len(j.results)) / float64(len(j.Items)) * 100)
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		snap.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// done builds the terminal summary event.
func (j *Job) done() schema.JobDone {
	j.mu.Lock()
	defer j.mu.Unlock()

	d := schema.JobDone{
		JobID:      j.ID,
		State:      string(j.state),
		TotalItems: len(j.Items),
		Results:    append([]schema.ItemResult(nil), j.results...),
		HappenedAt: time.Now().Unix(),
	}
	for _, r := range j.results {
		switch {
		case r.OK:
			d.Succeeded++
		case r.FailureType == schema.FailureCancelled:
			d.Cancelled++
		default:
			d.Failed++
		}
	}
	if !j.startedAt.IsZero() && !j.finishedAt.IsZero() {
		d.ProcessingTimeMs = j.finishedAt.Sub(j.startedAt).Milliseconds()
	}
	return d
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
