package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"notesmith/internal/app"
	"notesmith/internal/util"
	"notesmith/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
}

// Server exposes the document API. Callers identify themselves with the
// X-Owner-ID header; every data route is scoped to that owner.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/documents", s.withOwner(s.handleDocuments))
	s.mux.Handle("/documents/", s.withOwner(s.handleDocumentByID))
	s.mux.Handle("/jobs/", s.withOwner(s.handleJobByID))
	s.mux.Handle("/search", s.withOwner(s.handleSearch))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if ownerID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, ownerID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, ownerID)
	case http.MethodGet:
		s.handleList(w, ownerID)
	default:
		methodNotAllowed(w)
	}
}

// /documents/{id}, /documents/{id}/generate, /documents/{id}/logs
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "generate":
			s.handleGenerate(w, r, ownerID, id)
		case "logs":
			s.handleLogs(w, r, ownerID, id)
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.Get(ownerID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.Delete(r.Context(), ownerID, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ownerID string) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	doc, err := s.app.Upload(r.Context(), ownerID, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleList(w http.ResponseWriter, ownerID string) {
	docs, err := s.app.List(ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

type generateRequest struct {
	ContentType string `json:"contentType"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, ownerID, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	contentType := domain.ContentType(strings.ToLower(strings.TrimSpace(req.ContentType)))
	job, err := s.app.Generate(r.Context(), ownerID, id, contentType)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, ownerID, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	logs, err := s.app.Logs(ownerID, id, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": logs,
		"count": len(logs),
	})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	job, ok, err := s.app.Job(r.Context(), ownerID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query().Get("q")
	limit := parseLimit(r.URL.Query().Get("limit"), 10)
	results, err := s.app.Search(r.Context(), ownerID, query, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": results,
		"count": len(results),
	})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError maps domain errors to HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		notFound(w, "document not found")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Reason)
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
