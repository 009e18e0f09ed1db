package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"panostitch/internal/pipeline"
	"panostitch/internal/report"
	"panostitch/internal/storage"
)

// Server exposes job submission, job history and live job events over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	hub      *hub
	server   *http.Server
}

// NewServer creates a server; Start runs it.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
	}
}

// Event is the JSON form of a finished job sent to stream and websocket clients.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func eventFor(res pipeline.Result) Event {
	ev := Event{ID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status, ev.Error = "failed", res.Error.Error()
	}
	return ev
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.forwardEvents(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.hub.closeAll()

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// forwardEvents relays pipeline results to websocket clients until ctx ends.
func (s *Server) forwardEvents(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-resCh:
				if !ok {
					return
				}
				payload, err := json.Marshal(eventFor(res))
				if err != nil {
					s.log.Warn("event not encoded", "job", res.Job.ID, "error", err)
					continue
				}
				s.hub.broadcast(payload)
			}
		}
	}()
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/steps", s.handleSteps).Methods("GET")
	r.HandleFunc("/jobs/{id}/report", s.handleReport).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.serveWS).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Inputs  []string         `json:"inputs"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	switch req.Type {
	case pipeline.JobStitch, pipeline.JobRegister:
	case "":
		req.Type = pipeline.JobStitch
	default:
		writeError(w, http.StatusBadRequest, "unknown job type "+string(req.Type))
		return
	}
	if len(req.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, "inputs are required")
		return
	}

	job := pipeline.Job{
		ID:      string(req.Type) + "-" + uuid.NewString(),
		Type:    req.Type,
		Inputs:  req.Inputs,
		Output:  req.Output,
		Options: req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}
	s.log.Info("job submitted", "job", job.ID, "type", job.Type, "inputs", len(job.Inputs))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.JobByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		body["meta"] = meta
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.StitchSteps(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if steps == nil {
		steps = []storage.StepRecord{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	steps, err := s.store.StitchSteps(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(steps) == 0 {
		writeError(w, http.StatusNotFound, "no merge steps recorded")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderHTML(w, id, report.FromRecords(steps)); err != nil {
		s.log.Warn("report render failed", "job", id, "error", err)
	}
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventFor(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
