// Package server exposes the stacking pipeline over HTTP: job submission,
// job history, per-frame diagnostics, and live progress via SSE and
// websockets.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"astrostack/internal/pipeline"
	"astrostack/internal/storage"
)

// Server wraps the HTTP API around a running pipeline.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	server   *http.Server
	hub      *wsHub
}

// New creates a server bound to addr.
func New(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newWSHub(log),
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go s.hub.run(ctx)
	go s.feedHub(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/frames", s.handleJobFrames).Methods("GET")
	r.HandleFunc("/jobs/stack", s.submitHandler(pipeline.JobStack)).Methods("POST")
	r.HandleFunc("/jobs/detect", s.submitHandler(pipeline.JobDetect)).Methods("POST")
	r.HandleFunc("/jobs/calibrate", s.submitHandler(pipeline.JobCalibrate)).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve creates and runs a server in one call.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return New(addr, store, pipe, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// submitRequest is the JSON body accepted by the job submission endpoints.
type submitRequest struct {
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) submitHandler(jobType pipeline.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		job := pipeline.Job{
			ID:        string(jobType) + "-" + uuid.NewString()[:8],
			Type:      jobType,
			InputPath: req.Input,
			Output:    req.Output,
			Options:   req.Options,
		}
		if err := s.pipeline.Submit(job); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.Info("job submitted", "type", jobType, "id", job.ID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": job.ID})
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleJobFrames(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	diags, err := s.store.FrameDiagnostics(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(diags)
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
	progCh, unsubProgress := s.pipeline.SubscribeProgress()
	defer unsubProgress()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			writeSSE(w, flusher, "result", resultPayload(res))
		case prog, ok := <-progCh:
			if !ok {
				return
			}
			writeSSE(w, flusher, "progress", progressPayload(prog))
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func resultPayload(res pipeline.Result) map[string]any {
	return map[string]any{
		"kind":  "result",
		"job":   res.Job.ID,
		"type":  res.Job.Type,
		"error": errString(res.Error),
		"meta":  res.Meta,
	}
}

func progressPayload(ev pipeline.ProgressEvent) map[string]any {
	return map[string]any{
		"kind":    "progress",
		"job":     ev.JobID,
		"state":   ev.Progress.State.String(),
		"current": ev.Progress.Current,
		"total":   ev.Progress.Total,
		"message": ev.Progress.Message,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
