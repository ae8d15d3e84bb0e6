// internal/upload/batch.go
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mediakit/imagestudio/internal/limiter"
	"github.com/mediakit/imagestudio/internal/storage"
)

// Item is one artifact to persist: raw bytes plus the object key and
// content type to store them under.
type Item struct {
	Key         string // item key, used to address the result
	ObjectKey   string
	Data        []byte
	ContentType string
}

// Result records the outcome for a single item. Err is nil on
// success.
type Result struct {
	Key       string
	ObjectKey string
	URL       string
	Err       error
}

// Options tunes the batch uploader.
type Options struct {
	// MaxRetries is deliberately smaller than the downloader's
	// budget: the payload is already in memory so re-attempts are
	// cheap, and the put is idempotent.
	MaxRetries  int
	BackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 1
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	return o
}

// BatchUploader pushes many artifacts to object storage
// concurrently, isolating per-item failures.
type BatchUploader struct {
	store storage.ObjectStore
	lim   *limiter.Limiter
	opts  Options
}

func NewBatch(store storage.ObjectStore, lim *limiter.Limiter, opts Options) *BatchUploader {
	return &BatchUploader{store: store, lim: lim, opts: opts.withDefaults()}
}

// UploadAll uploads every item and returns one result per item,
// addressable by item key. A failing item never aborts or blocks the
// others; its result simply carries the error.
func (b *BatchUploader) UploadAll(ctx context.Context, items []Item) map[string]Result {
	results := make([]Result, len(items))

	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			results[i] = b.uploadOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	byKey := make(map[string]Result, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}
	return byKey
}

func (b *BatchUploader) uploadOne(ctx context.Context, item Item) Result {
	res := Result{Key: item.Key, ObjectKey: item.ObjectKey}

	slot, err := b.lim.Acquire(ctx)
	if err != nil {
		res.Err = fmt.Errorf("acquire upload slot: %w", err)
		return res
	}
	defer slot.Release()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.opts.BackoffBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.opts.MaxRetries)), ctx)

	err = backoff.Retry(func() error {
		url, putErr := b.store.Put(ctx, item.ObjectKey, item.Data, item.ContentType)
		if putErr != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return putErr
		}
		res.URL = url
		return nil
	}, policy)
	if err != nil {
		res.Err = fmt.Errorf("upload %s: %w", item.ObjectKey, err)
	}
	return res
}
