// ABOUTME: HTTP handlers for jobs, dead letters, queue config and status.
// ABOUTME: Each handler maps one repository operation; errors map via writeError.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scarson/queuectl/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

// writeError maps repository errors onto HTTP status codes. Unexpected
// errors are logged and reported as 500 without detail.
func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidJob),
		errors.Is(err, store.ErrInvalidConfig),
		errors.Is(err, store.ErrInvalidState):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		srv.log.ErrorContext(r.Context(), "api request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Counts  *store.Counts         `json:"counts"`
	Workers []*store.Registration `json:"workers"`
}

func (srv *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := srv.store.Counts(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	workers, err := srv.store.ListWorkers(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if workers == nil {
		workers = []*store.Registration{}
	}
	writeJSON(w, http.StatusOK, statusResponse{Counts: counts, Workers: workers})
}

// listJobsHandler handles GET /api/v1/jobs?state=.
func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	var filter *store.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := store.ParseState(raw)
		if err != nil {
			srv.writeError(w, r, err)
			return
		}
		filter = &st
	}
	jobs, err := srv.store.ListJobs(r.Context(), filter)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// enqueueHandler handles POST /api/v1/jobs.
func (srv *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req store.EnqueueParams
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	job, err := srv.store.Enqueue(r.Context(), req)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.log.InfoContext(r.Context(), "job enqueued", "job_id", job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := srv.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (srv *Server) listDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	dls, err := srv.store.ListDeadLetters(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if dls == nil {
		dls = []*store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

// retryDeadLetterHandler handles POST /api/v1/dlq/{id}/retry.
func (srv *Server) retryDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := srv.store.RequeueFromDeadLetter(r.Context(), id)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.log.InfoContext(r.Context(), "dead letter requeued", "job_id", id)
	writeJSON(w, http.StatusOK, job)
}

func (srv *Server) listConfigHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := srv.store.ListConfig(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.ConfigEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (srv *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := srv.store.GetConfig(r.Context(), key)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "config key not set: " + key})
		return
	}
	writeJSON(w, http.StatusOK, store.ConfigEntry{Key: key, Value: value})
}

// setConfigBody is the JSON request body for PUT /api/v1/config/{key}.
type setConfigBody struct {
	Value *string `json:"value"`
}

func (srv *Server) setConfigHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setConfigBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Value == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "value is required"})
		return
	}
	if err := srv.store.SetConfig(r.Context(), key, *req.Value); err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.log.InfoContext(r.Context(), "config updated", "key", key, "value", *req.Value)
	writeJSON(w, http.StatusOK, store.ConfigEntry{Key: key, Value: *req.Value})
}
