// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediakit/imagestudio/internal/bus"
	"github.com/mediakit/imagestudio/internal/config"
	"github.com/mediakit/imagestudio/internal/download"
	"github.com/mediakit/imagestudio/internal/enhance"
	"github.com/mediakit/imagestudio/internal/httpapi"
	"github.com/mediakit/imagestudio/internal/job"
	"github.com/mediakit/imagestudio/internal/progress"
	"github.com/mediakit/imagestudio/internal/storage"
	"github.com/mediakit/imagestudio/pkg/schema"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("image studio starting",
		"port", cfg.Port,
		"namespace", cfg.Namespace,
		"bucket", cfg.S3Bucket,
		"item_workers", cfg.ItemWorkers)

	// One pooled transport for everything that talks HTTP outbound.
	httpClient := &http.Client{Transport: download.NewTransport(cfg.ConnectTimeout)}

	downloader := download.New(httpClient, download.Options{
		Timeout:    cfg.DownloadTimeout,
		MaxRetries: cfg.DownloadRetries,
		UserAgent:  "image-studio/1.0",
	})

	store, err := storage.NewS3Store(context.Background(), storage.S3Options{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		Bucket:        cfg.S3Bucket,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		PublicBaseURL: cfg.S3PublicURL,
		UsePathStyle:  cfg.S3UsePathStyle,
	})
	if err != nil {
		fatal(logger, "init object storage", err, "bucket", cfg.S3Bucket)
	}
	logger.Info("object storage ready", "bucket", cfg.S3Bucket, "endpoint", cfg.S3Endpoint)

	var enhancer *enhance.Client
	if cfg.EnhanceAPIBase != "" {
		enhancer = enhance.New(httpClient, enhance.Options{
			APIBase:     cfg.EnhanceAPIBase,
			APIKey:      cfg.EnhanceAPIKey,
			Model:       cfg.EnhanceModel,
			Temperature: cfg.EnhanceTemperature,
		})
		logger.Info("enhancement endpoint configured", "model", cfg.EnhanceModel)
	}

	publisher := progress.NewPublisher()

	var nc *bus.Client
	var onDone func(schema.JobDone)
	if cfg.NATSURL != "" {
		nc, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

		resultSubject := cfg.ResultSubject
		onDone = func(done schema.JobDone) {
			if err := nc.PublishJSON(resultSubject, done); err != nil {
				logger.Error("publish job result failed", "subject", resultSubject, "job_id", done.JobID, "err", err)
			}
		}
	}

	orch, err := job.New(job.Deps{
		Downloader: downloader,
		Store:      store,
		Enhancer:   enhancer,
		Publisher:  publisher,
		Logger:     logger,
		Namespace:  cfg.Namespace,
		Defaults: job.Defaults{
			ItemWorkers:      cfg.ItemWorkers,
			StageWorkers:     cfg.DownloadWorkers,
			TransformWorkers: cfg.TransformWorkers,
			UploadWorkers:    cfg.UploadWorkers,
		},
		OnDone: onDone,
	})
	if err != nil {
		fatal(logger, "init orchestrator", err)
	}

	if nc != nil {
		_, err = nc.SubscribeQueueJSON(cfg.JobSubject, cfg.WorkerQueue, cfg.BusHandlerTimeout, func(_ context.Context, data []byte) {
			var req schema.JobRequest
			if err := json.Unmarshal(data, &req); err != nil {
				logger.Warn("discarding malformed job message", "subject", cfg.JobSubject, "err", err)
				return
			}
			j, err := orch.Submit(req)
			if err != nil {
				logger.Warn("rejecting job from bus", "err", err)
				return
			}
			logger.Info("job accepted from bus", "job_id", j.ID, "items", len(j.Items))
		})
		if err != nil {
			fatal(logger, "subscribe jobs", err, "subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
		}
		logger.Info("listening for jobs", "subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.New(orch, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
