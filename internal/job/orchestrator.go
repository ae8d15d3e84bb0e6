// internal/job/orchestrator.go
package job

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediakit/imagestudio/internal/download"
	"github.com/mediakit/imagestudio/internal/encode"
	"github.com/mediakit/imagestudio/internal/enhance"
	"github.com/mediakit/imagestudio/internal/limiter"
	"github.com/mediakit/imagestudio/internal/metrics"
	"github.com/mediakit/imagestudio/internal/progress"
	"github.com/mediakit/imagestudio/internal/storage"
	"github.com/mediakit/imagestudio/internal/upload"
	"github.com/mediakit/imagestudio/pkg/schema"
)

// defaultRetention is how long a terminal job stays queryable before
// its record is dropped.
const defaultRetention = time.Hour

// Defaults are the worker counts applied when a request leaves them
// unset.
type Defaults struct {
	ItemWorkers      int
	StageWorkers     int
	TransformWorkers int
	UploadWorkers    int
}

// Deps wires the orchestrator's collaborators. Downloader, Store and
// Publisher are required; the rest default sensibly.
type Deps struct {
	Downloader *download.Downloader
	Store      storage.ObjectStore
	Enhancer   *enhance.Client
	Publisher  *progress.Publisher
	Logger     *slog.Logger

	Namespace  string
	IsPrimary  PrimaryPredicate
	UploadOpts upload.Options
	Defaults   Defaults

	// OnDone receives the terminal summary of every job, e.g. for
	// publication on a message bus.
	OnDone func(schema.JobDone)

	// Retention bounds how long terminal jobs stay queryable.
	Retention time.Duration

	// Seq produces the monotonic component of object keys. Replaced
	// in tests for deterministic keys.
	Seq func() int64
}

// Orchestrator accepts job submissions, drives each item through
// download, transform and upload, and reports progress along the way.
type Orchestrator struct {
	deps Deps

	mu   sync.Mutex
	jobs map[string]*Job
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Downloader == nil || deps.Store == nil || deps.Publisher == nil {
		return nil, errors.New("orchestrator: downloader, store and publisher are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Namespace == "" {
		deps.Namespace = "image-studio"
	}
	if deps.IsPrimary == nil {
		deps.IsPrimary = DefaultIsPrimary
	}
	if deps.Defaults.ItemWorkers <= 0 {
		deps.Defaults.ItemWorkers = 5
	}
	if deps.Defaults.StageWorkers <= 0 {
		deps.Defaults.StageWorkers = 10
	}
	if deps.Defaults.TransformWorkers <= 0 {
		deps.Defaults.TransformWorkers = 4
	}
	if deps.Defaults.UploadWorkers <= 0 {
		deps.Defaults.UploadWorkers = 10
	}
	if deps.Retention <= 0 {
		deps.Retention = defaultRetention
	}
	if deps.Seq == nil {
		deps.Seq = func() int64 { return time.Now().Unix() }
	}
	return &Orchestrator{deps: deps, jobs: make(map[string]*Job)}, nil
}

// Submit validates the request, registers a new pending job and
// starts processing it in the background.
func (o *Orchestrator) Submit(req schema.JobRequest) (*Job, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("submit: request has no items")
	}

	keys := make([]string, 0, len(req.Items))
	for k := range req.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		sources := make([]Source, 0, len(req.Items[k]))
		for _, ref := range req.Items[k] {
			sources = append(sources, Source{URL: ref.URL, Name: ref.Name})
		}
		items = append(items, Item{Key: k, Sources: sources})
	}

	opts := o.normalizeOptions(req)
	j := newJob(uuid.NewString(), items, opts)

	o.mu.Lock()
	o.jobs[j.ID] = j
	o.mu.Unlock()

	o.deps.Logger.Info("job accepted",
		"job_id", j.ID,
		"items", len(items),
		"format", opts.OutputFormat,
		"item_workers", opts.ItemWorkers)

	go o.run(j)
	return j, nil
}

// normalizeOptions fills request gaps from the configured defaults.
// Explicit values pass through untouched, including invalid ones: a
// negative worker count will fail the concurrent pipeline probe and
// degrade the job to sequential processing instead of rejecting it.
func (o *Orchestrator) normalizeOptions(req schema.JobRequest) Options {
	opts := Options{
		OutputFormat:       strings.ToLower(strings.TrimSpace(req.OutputFormat)),
		TargetWidth:        req.TargetWidth,
		TargetHeight:       req.TargetHeight,
		ItemWorkers:        req.MaxWorkersPrimary,
		StageWorkers:       req.MaxWorkersSecondary,
		TransformWorkers:   o.deps.Defaults.TransformWorkers,
		UploadWorkers:      o.deps.Defaults.UploadWorkers,
		QualityBudgetBytes: req.QualityBudgetBytes,
		EnhancePrompt:      strings.TrimSpace(req.EnhancePrompt),
	}
	// The encoder produces JPEG or PNG only; any other requested
	// format would label the stored bytes wrongly.
	switch opts.OutputFormat {
	case "jpeg":
		opts.OutputFormat = "jpg"
	case "jpg", "png":
	default:
		opts.OutputFormat = "jpg"
	}
	if opts.ItemWorkers == 0 {
		opts.ItemWorkers = o.deps.Defaults.ItemWorkers
	}
	if opts.StageWorkers == 0 {
		opts.StageWorkers = o.deps.Defaults.StageWorkers
	}
	return opts
}

// Cancel requests cooperative cancellation. Returns false when the
// job is unknown or already terminal.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if !j.requestCancel() {
		return false
	}
	o.deps.Logger.Info("job cancellation requested", "job_id", jobID)
	return true
}

// Get returns a job's current snapshot.
func (o *Orchestrator) Get(jobID string) (Snapshot, bool) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// Subscribe attaches a progress listener to a job.
func (o *Orchestrator) Subscribe(jobID string) *progress.Subscription {
	return o.deps.Publisher.Subscribe(jobID)
}

func (o *Orchestrator) run(j *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.begin(cancel)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	timer := prometheus.NewTimer(metrics.JobDuration)
	defer timer.ObserveDuration()

	strat, err := o.newConcurrent(j)
	if err != nil {
		// The probe failed; degrade rather than fail the job.
		o.deps.Logger.Warn("concurrent pipeline unavailable, processing sequentially",
			"job_id", j.ID, "error", err)
		o.runSequential(ctx, j)
	} else {
		strat.run(ctx, j)
	}

	state := j.finish()
	done := j.done()

	final := schema.ProgressEvent{
		Type:       "complete",
		Status:     string(state),
		Current:    done.TotalItems,
		Total:      done.TotalItems,
		Percentage: 100,
	}
	if state == StateCancelled {
		final.Current = done.Succeeded + done.Failed
		if done.TotalItems > 0 {
			final.Percentage = round1(float64(final.Current) / float64(done.TotalItems) * 100)
		}
	}
	o.deps.Publisher.Publish(j.ID, final)
	o.deps.Publisher.Complete(j.ID)

	o.deps.Logger.Info("job finished",
		"job_id", j.ID,
		"state", state,
		"succeeded", done.Succeeded,
		"failed", done.Failed,
		"cancelled", done.Cancelled,
		"elapsed_ms", done.ProcessingTimeMs)

	if o.deps.OnDone != nil {
		o.deps.OnDone(done)
	}

	time.AfterFunc(o.deps.Retention, func() { o.remove(j.ID) })
}

func (o *Orchestrator) remove(jobID string) {
	o.mu.Lock()
	delete(o.jobs, jobID)
	o.mu.Unlock()
	o.deps.Publisher.Forget(jobID)
}

// stageSet holds one job's concurrency gates. nil limiters mean the
// stage runs ungated (sequential mode).
type stageSet struct {
	net       *limiter.Limiter
	transform *limiter.Limiter
	uploader  *upload.BatchUploader
}

type concurrentPipeline struct {
	o      *Orchestrator
	items  *limiter.Limiter
	stages stageSet
}

// newConcurrent probes whether the job's worker budget admits a
// concurrent pipeline. An invalid budget surfaces here, before any
// item has started.
func (o *Orchestrator) newConcurrent(j *Job) (*concurrentPipeline, error) {
	items, err := limiter.New(j.Opts.ItemWorkers)
	if err != nil {
		return nil, fmt.Errorf("item workers: %w", err)
	}
	net, err := limiter.New(j.Opts.StageWorkers)
	if err != nil {
		return nil, fmt.Errorf("stage workers: %w", err)
	}
	transform, err := limiter.New(j.Opts.TransformWorkers)
	if err != nil {
		return nil, fmt.Errorf("transform workers: %w", err)
	}
	up, err := limiter.New(j.Opts.UploadWorkers)
	if err != nil {
		return nil, fmt.Errorf("upload workers: %w", err)
	}
	return &concurrentPipeline{
		o:     o,
		items: items,
		stages: stageSet{
			net:       net,
			transform: transform,
			uploader:  upload.NewBatch(o.deps.Store, up, o.deps.UploadOpts),
		},
	}, nil
}

func (p *concurrentPipeline) run(ctx context.Context, j *Job) {
	var wg sync.WaitGroup
	for _, item := range j.Items {
		wg.Add(1)
		go func() {
			defer wg.Done()

			slot, err := p.items.Acquire(ctx)
			if err != nil {
				// Never started; no network I/O happened.
				p.o.finishItem(j, cancelledResult(item, schema.StageDownload))
				return
			}
			defer slot.Release()

			p.o.finishItem(j, p.o.processItem(ctx, j, item, p.stages))
		}()
	}
	wg.Wait()
}

// runSequential processes items one at a time with no shared gating.
// It is the degraded mode used when the concurrent pipeline cannot be
// built, and guarantees the same one-result-per-item contract.
func (o *Orchestrator) runSequential(ctx context.Context, j *Job) {
	lim, _ := limiter.New(1)
	stages := stageSet{uploader: upload.NewBatch(o.deps.Store, lim, o.deps.UploadOpts)}

	for _, item := range j.Items {
		if ctx.Err() != nil {
			o.finishItem(j, cancelledResult(item, schema.StageDownload))
			continue
		}
		o.finishItem(j, o.processItem(ctx, j, item, stages))
	}
}

// processItem drives one item through the full pipeline and returns
// its terminal record. ctx carries job cancellation; it is observed
// at stage boundaries only, so a stage in flight always runs to
// completion.
func (o *Orchestrator) processItem(ctx context.Context, j *Job, item Item, stages stageSet) schema.ItemResult {
	log := o.deps.Logger.With("job_id", j.ID, "item", item.Key)

	if len(item.Sources) == 0 {
		return failedResult(item, Source{}, stageErr(schema.StageDownload, schema.FailureValidation, errors.New("item has no sources")))
	}
	src, _ := SelectPrimary(item.Sources, o.deps.IsPrimary)

	if ctx.Err() != nil {
		return cancelledResult(item, schema.StageDownload)
	}

	// Stage I/O deliberately survives job cancellation: an item that
	// entered a stage finishes it and observes the cancel at the next
	// boundary.
	stageCtx := context.WithoutCancel(ctx)

	o.publishStage(j, item.Key, schema.StageDownload, "start")
	data, err := o.downloadStage(ctx, stageCtx, src, stages.net)
	if err != nil {
		log.Warn("download failed", "url", src.URL, "error", err)
		return failedResult(item, src, classifyDownload(err))
	}
	o.publishStage(j, item.Key, schema.StageDownload, "ok")

	if ctx.Err() != nil {
		return cancelledResult(item, schema.StageTransform)
	}

	encoded, err := o.transformStage(ctx, j, data, stages.transform, log)
	if err != nil {
		var ierr *ItemError
		if errors.As(err, &ierr) {
			if ierr.Type == schema.FailureCancelled {
				return cancelledResult(item, schema.StageTransform)
			}
			return failedResult(item, src, ierr)
		}
		return failedResult(item, src, stageErr(schema.StageTransform, schema.FailureEncoding, err))
	}
	o.publishStage(j, item.Key, schema.StageTransform, "ok")

	if ctx.Err() != nil {
		return cancelledResult(item, schema.StageUpload)
	}

	stem := src.Stem()
	if stem == "" {
		stem = item.Key
	}
	ext := j.Opts.OutputFormat
	if encoded.Format == encode.FormatPNG {
		ext = "png"
	}
	objectKey := storage.ObjectKey(o.deps.Namespace, item.Key, stem, o.deps.Seq(), ext)

	uploadTimer := prometheus.NewTimer(metrics.UploadDuration)
	results := stages.uploader.UploadAll(stageCtx, []upload.Item{{
		Key:         item.Key,
		ObjectKey:   objectKey,
		Data:        encoded.Data,
		ContentType: encode.ContentType(ext),
	}})
	uploadTimer.ObserveDuration()

	up := results[item.Key]
	if up.Err != nil {
		log.Warn("upload failed", "object_key", objectKey, "error", up.Err)
		return failedResult(item, src, stageErr(schema.StageUpload, schema.FailureUpload, up.Err))
	}
	o.publishStage(j, item.Key, schema.StageUpload, "ok")

	return schema.ItemResult{
		ItemKey:   item.Key,
		OK:        true,
		ResultURL: up.URL,
		SourceURL: src.URL,
		Metadata: &schema.ImageMeta{
			Width:     encoded.Width,
			Height:    encoded.Height,
			SizeBytes: int64(len(encoded.Data)),
			Format:    string(encoded.Format),
		},
	}
}

// downloadStage fetches the source under the network gate. slotCtx
// (the job context) governs waiting for a slot; stageCtx governs the
// transfer itself.
func (o *Orchestrator) downloadStage(slotCtx, stageCtx context.Context, src Source, net *limiter.Limiter) ([]byte, error) {
	if net != nil {
		slot, err := net.Acquire(slotCtx)
		if err != nil {
			return nil, ErrCancelled
		}
		defer slot.Release()
	}

	timer := prometheus.NewTimer(metrics.DownloadDuration)
	defer timer.ObserveDuration()

	var sink download.BufferSink
	if _, err := o.deps.Downloader.Fetch(stageCtx, src.URL, &sink); err != nil {
		return nil, err
	}
	return sink.Bytes(), nil
}

// transformStage decodes, fits, optionally enhances and re-encodes
// the artifact under the transform gate.
func (o *Orchestrator) transformStage(ctx context.Context, j *Job, data []byte, lim *limiter.Limiter, log *slog.Logger) (*encode.Result, error) {
	if lim != nil {
		slot, err := lim.Acquire(ctx)
		if err != nil {
			return nil, stageErr(schema.StageTransform, schema.FailureCancelled, ErrCancelled)
		}
		defer slot.Release()
	}

	img, err := encode.Decode(data)
	if err != nil {
		return nil, stageErr(schema.StageTransform, schema.FailureEncoding, err)
	}
	img = encode.FitTarget(img, j.Opts.TargetWidth, j.Opts.TargetHeight)

	if j.Opts.EnhancePrompt != "" && o.deps.Enhancer.Enabled() {
		img = o.enhanceBestEffort(context.WithoutCancel(ctx), img, j.Opts.EnhancePrompt, log)
	}

	pref := encode.FormatFromName(j.Opts.OutputFormat)
	res, err := encode.Encode(img, pref, j.Opts.QualityBudgetBytes)
	if err != nil {
		return nil, stageErr(schema.StageTransform, schema.FailureEncoding, err)
	}
	metrics.EncodeIterations.Observe(float64(res.Iterations))
	if !res.WithinBudget {
		log.Warn("encoded artifact exceeds byte budget",
			"size", len(res.Data),
			"budget", j.Opts.QualityBudgetBytes,
			"iterations", res.Iterations)
	}
	return res, nil
}

// enhanceBestEffort runs the optional model enhancement. Failures are
// logged and the unenhanced image is kept; enhancement never fails an
// item on its own.
func (o *Orchestrator) enhanceBestEffort(ctx context.Context, img image.Image, prompt string, log *slog.Logger) image.Image {
	encoded, err := encode.Encode(img, encode.FormatJPEG, 0)
	if err != nil {
		log.Warn("enhance skipped, pre-encode failed", "error", err)
		return img
	}
	out, err := o.deps.Enhancer.Enhance(ctx, encoded.Data, "image/jpeg", prompt)
	if err != nil {
		log.Warn("enhance failed, keeping original", "error", err)
		return img
	}
	enhanced, err := encode.Decode(out)
	if err != nil {
		log.Warn("enhance returned undecodable image, keeping original", "error", err)
		return img
	}
	return enhanced
}

func (o *Orchestrator) publishStage(j *Job, itemKey string, stage schema.Stage, status string) {
	completed, total := j.progress()
	o.deps.Publisher.Publish(j.ID, schema.ProgressEvent{
		Type:       "progress",
		Stage:      stage,
		Status:     status,
		ItemKey:    itemKey,
		Current:    completed,
		Total:      total,
		Percentage: round1(float64(completed) / float64(total) * 100),
	})
}

// finishItem records an item's terminal result and emits the
// aggregate progress event carrying completion percentage.
func (o *Orchestrator) finishItem(j *Job, res schema.ItemResult) {
	completed, total := j.appendResult(res)

	status := "success"
	switch {
	case res.OK:
	case res.FailureType == schema.FailureCancelled:
		status = "cancelled"
	default:
		status = "error"
	}
	metrics.ItemsProcessed.WithLabelValues(status).Inc()

	o.deps.Publisher.Publish(j.ID, schema.ProgressEvent{
		Type:       "progress",
		Status:     status,
		ItemKey:    res.ItemKey,
		Current:    completed,
		Total:      total,
		Percentage: round1(float64(completed) / float64(total) * 100),
	})
}

func cancelledResult(item Item, stage schema.Stage) schema.ItemResult {
	return schema.ItemResult{
		ItemKey:     item.Key,
		Error:       fmt.Sprintf("%s: %v", stage, ErrCancelled),
		FailureType: schema.FailureCancelled,
	}
}

func failedResult(item Item, src Source, ierr *ItemError) schema.ItemResult {
	return schema.ItemResult{
		ItemKey:     item.Key,
		SourceURL:   src.URL,
		Error:       ierr.Error(),
		FailureType: ierr.Type,
	}
}
