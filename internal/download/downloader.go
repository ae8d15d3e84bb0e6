// internal/download/downloader.go
package download

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const chunkSize = 8 * 1024

// Sink receives the downloaded bytes. Reset discards everything
// written so far; it is called before each retry so a restarted
// stream always begins at byte zero.
type Sink interface {
	io.Writer
	Reset() error
}

// BufferSink collects the payload in memory.
type BufferSink struct{ buf bytes.Buffer }

func (b *BufferSink) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *BufferSink) Reset() error                { b.buf.Reset(); return nil }
func (b *BufferSink) Bytes() []byte               { return b.buf.Bytes() }
func (b *BufferSink) Len() int                    { return b.buf.Len() }

// Error is the terminal failure of a fetch, carrying the last
// underlying cause and whether it was transient.
type Error struct {
	URL       string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("download %s: HTTP %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// Options tunes the downloader. Zero values fall back to the
// defaults below.
type Options struct {
	// Timeout bounds a whole request including the body read. The
	// dial phase is bounded separately by the transport built with
	// NewTransport.
	Timeout time.Duration
	// MaxRetries is the number of re-attempts after the first
	// failure. Only transient failures are retried.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	UserAgent   string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	return o
}

// Downloader streams remote artifacts into a sink. The HTTP client
// is shared process-wide and injected by the caller so connection
// pooling survives across fetches.
type Downloader struct {
	client *http.Client
	opts   Options
}

func New(client *http.Client, opts Options) *Downloader {
	return &Downloader{client: client, opts: opts.withDefaults()}
}

// Fetch streams url into sink in fixed-size chunks and returns the
// number of bytes written. Transient failures (network errors, 5xx,
// 429, timeouts) are retried with exponential backoff; other 4xx
// fail immediately. Each retry resets the sink first.
func (d *Downloader) Fetch(ctx context.Context, rawURL string, sink Sink) (int64, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return d.fetchDataURL(rawURL, sink)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return 0, &Error{URL: rawURL, Err: err}
	}

	var written int64
	var lastStatus int

	attempt := func() error {
		if err := sink.Reset(); err != nil {
			return backoff.Permanent(fmt.Errorf("reset sink: %w", err))
		}
		written = 0
		lastStatus = 0

		reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if d.opts.UserAgent != "" {
			req.Header.Set("User-Agent", d.opts.UserAgent)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			// Submission-level cancellation is not a transient
			// fault worth retrying.
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		lastStatus = resp.StatusCode
		if resp.StatusCode != http.StatusOK {
			err := &statusError{code: resp.StatusCode}
			if retryableStatus(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		buf := make([]byte, chunkSize)
		n, err := io.CopyBuffer(sink, resp.Body, buf)
		written = n
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(newPolicy(d.opts), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return 0, &Error{URL: rawURL, Status: lastStatus, Transient: retryableStatus(lastStatus) || lastStatus == 0, Err: err}
	}
	return written, nil
}

// fetchDataURL decodes an inline data: URL without touching the
// network.
func (d *Downloader) fetchDataURL(rawURL string, sink Sink) (int64, error) {
	header, data, ok := strings.Cut(rawURL, ",")
	if !ok {
		return 0, &Error{URL: "data:", Err: errors.New("malformed data URL")}
	}
	var payload []byte
	if strings.Contains(header, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return 0, &Error{URL: "data:", Err: fmt.Errorf("decode base64: %w", err)}
		}
		payload = decoded
	} else {
		unescaped, err := url.QueryUnescape(data)
		if err != nil {
			return 0, &Error{URL: "data:", Err: fmt.Errorf("unescape: %w", err)}
		}
		payload = []byte(unescaped)
	}
	if err := sink.Reset(); err != nil {
		return 0, err
	}
	n, err := sink.Write(payload)
	return int64(n), err
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func newPolicy(opts Options) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.BackoffBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, uint64(opts.MaxRetries))
}

// NewTransport builds the pooled transport shared by the downloader
// and the enhancement client. ConnectTimeout applies to dialing; the
// overall request timeout is enforced per fetch.
func NewTransport(connectTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.MaxIdleConns = 50
	t.MaxIdleConnsPerHost = 20
	t.TLSHandshakeTimeout = connectTimeout
	return t
}
