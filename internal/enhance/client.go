// internal/enhance/client.go
package enhance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures the enhancement endpoint. An empty APIBase or
// Model disables the client.
type Options struct {
	APIBase     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 240 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.Temperature == 0 {
		o.Temperature = 0.5
	}
	return o
}

// Client calls a generateContent-style image model endpoint. The
// HTTP client is the process-wide shared one.
type Client struct {
	http *http.Client
	opts Options
}

func New(httpClient *http.Client, opts Options) *Client {
	return &Client{http: httpClient, opts: opts.withDefaults()}
}

// Enabled reports whether the endpoint is configured; callers skip
// the enhancement stage entirely when it is not.
func (c *Client) Enabled() bool {
	return c != nil && c.opts.APIBase != "" && c.opts.Model != ""
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type part struct {
	InlineData    *inlineData `json:"inlineData,omitempty"`
	InlineDataAlt *inlineData `json:"inline_data,omitempty"`
	Text          string      `json:"text,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type candidate struct {
	Content content `json:"content"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

// Enhance sends the image plus the prompt to the model endpoint and
// returns the enhanced image bytes. 5xx and network failures are
// retried with backoff; other statuses fail immediately.
func (c *Client) Enhance(ctx context.Context, imageData []byte, mimeType, prompt string) ([]byte, error) {
	if !c.Enabled() {
		return nil, errors.New("enhance: endpoint not configured")
	}
	if c.opts.APIKey == "" {
		return nil, errors.New("enhance: API key missing")
	}

	req := generateRequest{
		Contents: []content{{
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(imageData)}},
				{Text: prompt},
			},
		}},
	}
	req.GenerationConfig.Temperature = c.opts.Temperature

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("enhance: marshal request: %w", err)
	}

	url := strings.TrimRight(c.opts.APIBase, "/") + "/" + c.opts.Model + ":generateContent"

	var result []byte
	attempt := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			err := fmt.Errorf("enhance: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		var gr generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return backoff.Permanent(fmt.Errorf("enhance: invalid JSON response: %w", err))
		}
		data, err := extractImage(&gr)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = data
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.BackoffBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.opts.MaxRetries)), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

// extractImage pulls the first inline image out of the response,
// accepting both inlineData and inline_data spellings.
func extractImage(gr *generateResponse) ([]byte, error) {
	for _, cand := range gr.Candidates {
		for _, p := range cand.Content.Parts {
			d := p.InlineData
			if d == nil {
				d = p.InlineDataAlt
			}
			if d == nil || d.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(d.Data)
			if err != nil {
				return nil, fmt.Errorf("enhance: decode image data: %w", err)
			}
			return raw, nil
		}
	}
	return nil, errors.New("enhance: no image data found in response")
}
