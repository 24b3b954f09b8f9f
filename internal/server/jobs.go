package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/store"
)

// enqueueSyncRequest is the JSON body for POST /api/v1/jobs/sync.
type enqueueSyncRequest struct {
	SourceConnectionID string `json:"source_connection_id"`
	StreamName         string `json:"stream_name"`
	FullRefresh        bool   `json:"full_refresh"`
}

// EnqueueSyncAPI handles POST /api/v1/jobs/sync: enqueue one Sync job,
// carrying the stream's current cursor unless a full refresh was asked for.
func (s *Server) EnqueueSyncAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req enqueueSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SourceConnectionID == "" || req.StreamName == "" {
		httpResponse(w, "source_connection_id and stream_name are required", http.StatusBadRequest)
		return
	}

	row, err := s.store.GetStream(ctx, req.SourceConnectionID, req.StreamName)
	if err != nil {
		httpError(w, err)
		return
	}

	payload := job.SyncPayload{
		SourceConnectionID: req.SourceConnectionID,
		StreamName:         req.StreamName,
		FullRefresh:        req.FullRefresh,
	}
	if !req.FullRefresh {
		payload.Cursor = row.Cursor
	}

	j, err := s.jobs.Enqueue(ctx, store.JobSync, payload, nil)
	if err != nil {
		httpError(w, err)
		return
	}

	httpResponseJSON(w, j, http.StatusAccepted)
}

// ListJobsAPI handles GET /api/v1/jobs?status=&limit=.
func (s *Server) ListJobsAPI(w http.ResponseWriter, r *http.Request) {
	var status *store.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := store.JobStatus(v)
		status = &st
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		httpError(w, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}

	httpResponseJSON(w, map[string]any{"jobs": jobs}, http.StatusOK)
}

// GetJobAPI handles GET /api/v1/jobs/{id}.
func (s *Server) GetJobAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/jobs/")
	if id == "" {
		httpResponse(w, "job id is required", http.StatusBadRequest)
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}

	httpResponseJSON(w, j, http.StatusOK)
}

// pathTail returns the path segment after the last occurrence of marker.
func pathTail(path, marker string) string {
	idx := strings.LastIndex(path, marker)
	if idx < 0 {
		return ""
	}
	tail := path[idx+len(marker):]
	return strings.Trim(tail, "/")
}
