// internal/httpapi/server.go
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediakit/imagestudio/internal/job"
	"github.com/mediakit/imagestudio/pkg/schema"
)

// pingInterval keeps idle websocket connections alive through
// intermediaries that reap quiet streams.
const pingInterval = 10 * time.Second

// Server exposes the job API over HTTP: submission, inspection,
// cancellation and a websocket progress stream per job.
type Server struct {
	orch     *job.Orchestrator
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(orch *job.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch: orch,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth
			// happens upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/studio", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{jobID}", s.handleGet)
		r.Post("/jobs/{jobID}/cancel", s.handleCancel)
		r.Get("/jobs/{jobID}/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req schema.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	j, err := s.orch.Submit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("job submitted", "job_id", j.ID, "items", len(j.Items))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": j.ID,
		"state":  j.State(),
		"items":  len(j.Items),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, ok := s.orch.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok := s.orch.Get(jobID); !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if !s.orch.Cancel(jobID) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancelling": true})
}

// handleEvents upgrades to a websocket and relays the job's progress
// stream until it closes. Pings go out on quiet streams; delivery is
// best-effort and a slow client only loses its own events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok := s.orch.Get(jobID); !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	sub := s.orch.Subscribe(jobID)
	defer sub.Cancel()

	// Drain reads so client-side closes are noticed promptly.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(pingMessage{Type: "ping"}); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

type pingMessage struct {
	Type string `json:"type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
