// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_studio_items_processed_total",
		Help: "Items processed, labelled by terminal status.",
	}, []string{"status"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "image_studio_active_jobs",
		Help: "Jobs currently running.",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_studio_job_duration_seconds",
		Help:    "Wall time from submission to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_studio_download_duration_seconds",
		Help:    "Source download duration.",
		Buckets: prometheus.DefBuckets,
	})

	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_studio_upload_duration_seconds",
		Help:    "Object storage upload duration.",
		Buckets: prometheus.DefBuckets,
	})

	EncodeIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_studio_encode_iterations",
		Help:    "Iterations the size-budget encode loop needed.",
		Buckets: []float64{1, 2, 3, 4, 5, 6},
	})
)
