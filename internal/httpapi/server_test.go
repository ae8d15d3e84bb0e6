package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediakit/imagestudio/internal/download"
	"github.com/mediakit/imagestudio/internal/job"
	"github.com/mediakit/imagestudio/internal/progress"
	"github.com/mediakit/imagestudio/pkg/schema"
)

type memStore struct {
	mu   sync.Mutex
	puts int
}

func (s *memStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return "https://cdn.test/" + key, nil
}

func pngFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 3), B: 99, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T) (*httptest.Server, *httptest.Server) {
	t.Helper()
	fixture := pngFixture(t)
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(fixture)
	}))
	t.Cleanup(src.Close)

	orch, err := job.New(job.Deps{
		Downloader: download.New(http.DefaultClient, download.Options{
			Timeout:    10 * time.Second,
			MaxRetries: -1,
		}),
		Store:     &memStore{},
		Publisher: progress.NewPublisher(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Namespace: "studio",
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	api := httptest.NewServer(New(orch, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes())
	t.Cleanup(api.Close)
	return api, src
}

func submitJob(t *testing.T, api *httptest.Server, body string) string {
	t.Helper()
	resp, err := http.Post(api.URL+"/api/v1/studio/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.JobID == "" {
		t.Fatal("empty job_id in response")
	}
	return out.JobID
}

func TestSubmitAndGetJob(t *testing.T) {
	api, src := newTestServer(t)

	jobID := submitJob(t, api, `{"items":{"SKU1":[{"url":"`+src.URL+`/SKU1_1.png","name":"SKU1_1.png"}]}}`)

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(api.URL + "/api/v1/studio/jobs/" + jobID)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var snap job.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		resp.Body.Close()
		if snap.State.Terminal() {
			if snap.State != job.StateCompleted {
				t.Fatalf("state = %s, results %+v", snap.State, snap.Results)
			}
			if snap.Percentage != 100 || len(snap.Results) != 1 {
				t.Fatalf("snapshot = %+v", snap)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %+v", snap)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSubmitRejectsBadPayloads(t *testing.T) {
	api, _ := newTestServer(t)

	for name, body := range map[string]string{
		"malformed JSON": `{"items":`,
		"no items":       `{"items":{}}`,
	} {
		resp, err := http.Post(api.URL+"/api/v1/studio/jobs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("%s: POST: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestGetUnknownJob(t *testing.T) {
	api, _ := newTestServer(t)
	resp, err := http.Get(api.URL + "/api/v1/studio/jobs/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	api, _ := newTestServer(t)
	resp, err := http.Post(api.URL+"/api/v1/studio/jobs/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	api, _ := newTestServer(t)
	resp, err := http.Get(api.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestServer(t)
	resp, err := http.Get(api.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEventsStreamDeliversCompletion(t *testing.T) {
	api, src := newTestServer(t)

	jobID := submitJob(t, api, `{"items":{"A":[{"url":"`+src.URL+`/A_1.png"}],"B":[{"url":"`+src.URL+`/B_1.png"}]}}`)

	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/api/v1/studio/jobs/" + jobID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var sawComplete bool
	for {
		var ev schema.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			// The stream may already have closed if the job finished
			// before we dialled.
			break
		}
		if ev.Type == "complete" {
			sawComplete = true
			if ev.Percentage != 100 {
				t.Fatalf("complete event percentage = %v", ev.Percentage)
			}
		}
	}

	// Either we watched the job finish live, or it was already done
	// and the snapshot confirms it.
	if !sawComplete {
		getResp, err := http.Get(api.URL + "/api/v1/studio/jobs/" + jobID)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer getResp.Body.Close()
		var snap job.Snapshot
		if err := json.NewDecoder(getResp.Body).Decode(&snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !snap.State.Terminal() {
			t.Fatalf("no complete event and job not terminal: %+v", snap)
		}
	}
}

func TestEventsUnknownJob(t *testing.T) {
	api, _ := newTestServer(t)
	resp, err := http.Get(api.URL + "/api/v1/studio/jobs/nope/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
