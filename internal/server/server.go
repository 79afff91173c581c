// Package server exposes the task registry over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/google/uuid"

	"transfer-manager/internal/config"
	"transfer-manager/internal/history"
	"transfer-manager/internal/task"
)

type Server struct {
	addr     string
	cfg      *config.Config
	registry *task.Registry
	history  *history.Store // may be nil when history is disabled
	logger   *log.Logger
}

func New(cfg *config.Config, reg *task.Registry, hist *history.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:     fmt.Sprintf(":%d", cfg.Server.Port),
		cfg:      cfg,
		registry: reg,
		history:  hist,
		logger:   logger,
	}
}

// Handler builds the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreate)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/tasks/{id}/{action}", s.handleAction)
	mux.HandleFunc("POST /api/tasks/finished/clear", s.handleClearFinished)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/report", s.handleReport)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	return mux
}

func (s *Server) Start() error {
	s.logger.Printf("API listening at http://localhost%s", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

type createRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Destination string            `json:"destination,omitempty"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Start       bool              `json:"start,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	if body.ID == "" {
		body.ID = uuid.New().String()
	}
	if body.Name == "" {
		body.Name = filepath.Base(u.Path)
	}
	if body.Destination == "" {
		base := filepath.Base(u.Path)
		if base == "" || base == "/" || base == "." {
			base = body.ID
		}
		body.Destination = filepath.Join(s.cfg.Download.Dir, base)
	}

	// Configured default headers, overridable per task.
	headers := make(map[string]string, len(s.cfg.Download.Headers)+len(body.Headers))
	for k, v := range s.cfg.Download.Headers {
		headers[k] = v
	}
	for k, v := range body.Headers {
		headers[k] = v
	}

	snap, err := s.registry.Create(body.ID, body.Name, body.URL, body.Destination, body.Description, headers)
	if err != nil {
		if errors.Is(err, task.ErrDuplicateTask) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if body.Start {
		if s.registry.Start(body.ID) {
			snap, _ = s.registry.Get(body.ID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Printf("response encode error: %v", err)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		s.writeJSON(w, s.registry.ListActive())
		return
	}
	s.writeJSON(w, s.registry.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.Get(id); !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if !s.registry.Remove(id) {
		http.Error(w, "cannot remove an active task", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.Get(id); !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	var ok bool
	switch action := r.PathValue("action"); action {
	case "start":
		ok = s.registry.Start(id)
	case "pause":
		ok = s.registry.Pause(id)
	case "resume":
		ok = s.registry.Resume(id)
	case "cancel":
		ok = s.registry.Cancel(id)
	case "retry":
		ok = s.registry.Retry(id)
	default:
		http.Error(w, "unknown action: "+action, http.StatusBadRequest)
		return
	}

	if !ok {
		http.Error(w, "invalid transition", http.StatusConflict)
		return
	}
	snap, _ := s.registry.Get(id)
	s.writeJSON(w, snap)
}

func (s *Server) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]int{"removed": s.registry.ClearFinished()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.Stats())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.Report())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	const limit = 100
	var (
		records []history.Record
		err     error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		records, err = s.history.ByStatus(status, limit)
	} else {
		records, err = s.history.Recent(limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	s.writeJSON(w, records)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("response encode error: %v", err)
	}
}
