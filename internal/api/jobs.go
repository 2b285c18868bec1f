package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/loom/internal/engine"
	"github.com/seantiz/loom/internal/model"
	"github.com/seantiz/loom/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	Graft       json.RawMessage            `json:"graft"`
	Typespec    string                     `json:"typespec"`
	Arguments   map[string]json.RawMessage `json:"arguments"`
	Channel     string                     `json:"channel"`
	Format      model.Format               `json:"format"`
	Destination model.Destination          `json:"destination"`
	NoCache     bool                       `json:"no_cache"`
	TTLSeconds  *int                       `json:"ttl_seconds"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, cached, err := s.engine.CreateJob(r.Context(), engine.CreateRequest{
		User:        r.Header.Get(headerUser),
		Org:         r.Header.Get(headerOrg),
		Graft:       req.Graft,
		Typespec:    req.Typespec,
		Arguments:   req.Arguments,
		Channel:     req.Channel,
		Format:      req.Format,
		Destination: req.Destination,
		NoCache:     req.NoCache,
		TTLSeconds:  req.TTLSeconds,
	})
	if errors.Is(err, model.ErrInvalidArgument) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	// A cache hit returns the job already computing (or computed) this
	// request; nothing new was scheduled.
	if cached {
		s.writeJSON(w, http.StatusOK, j)
		return
	}
	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.engine.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.ListFilter{Limit: limit, Offset: offset}
	var ok bool
	if filter.Since, ok = parseTimeQuery(r, "since"); !ok {
		s.writeError(w, http.StatusBadRequest, "'since' must be RFC 3339")
		return
	}
	if filter.Until, ok = parseTimeQuery(r, "until"); !ok {
		s.writeError(w, http.StatusBadRequest, "'until' must be RFC 3339")
		return
	}

	jobs, total, err := s.engine.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.engine.CancelJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, engine.ErrInvalidTransition) || errors.Is(err, engine.ErrConflict) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("cancel job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	s.writeJSON(w, http.StatusOK, st)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseTimeQuery parses an RFC 3339 query parameter. An absent parameter
// yields the zero time, meaning unbounded.
func parseTimeQuery(r *http.Request, key string) (time.Time, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
