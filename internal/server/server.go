package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/errs"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/pipeline"
	"parallelmorph/internal/storage"
)

// maxManifestBytes bounds POST /runs bodies.
const maxManifestBytes = 1 << 20

// Pipeline is the part of the job pipeline the HTTP API drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Cancel(id string) error
	Subscribe() (<-chan pipeline.Event, func())
}

// RunStore reads persisted runs.
type RunStore interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
}

// Server exposes runs over HTTP, server-sent events and websockets.
type Server struct {
	addr     string
	store    RunStore
	pipeline Pipeline
	backends *backend.Registry
	hub      *Hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server; nothing listens until Start.
func NewServer(addr string, store RunStore, pipe Pipeline, backends *backend.Registry, log *slog.Logger) *Server {
	if backends == nil {
		backends = backend.NewRegistry()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		backends: backends,
		hub:      NewHub(log),
		log:      log,
	}
}

// Start begins serving and blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.startHub(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startHub runs the websocket hub and feeds it pipeline events until ctx ends.
func (s *Server) startHub(ctx context.Context) {
	go s.hub.Run(ctx)
	events, unsubscribe := s.pipeline.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				s.hub.Broadcast(payload)
			}
		}
	}()
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/backends", s.handleBackends).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleCancel).Methods("DELETE")
	r.HandleFunc("/stream", s.handleRunStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	type device struct {
		Description string `json:"description"`
		Path        string `json:"path"`
	}
	devices := []device{}
	for _, d := range s.backends.Devices() {
		devices = append(devices, device{Description: d.Description, Path: d.Path})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backends":  s.backends.Names(),
		"devices":   devices,
		"max_pairs": backend.MaxAcceleratedPairs,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := manifest.Parse(body, ".json")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := pipeline.ManifestJob(m)
	if r.URL.Query().Get("type") == string(pipeline.JobProbe) {
		job.Type = pipeline.JobProbe
	}
	id, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, errs.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("run submitted", "run", id, "name", m.Name, "type", job.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.pipeline.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrUnknownJob) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	only := r.URL.Query().Get("run")
	evCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if only != "" && ev.JobID != only {
				continue
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
