package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowhost/wfengine/model"
	"github.com/flowhost/wfengine/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusForErr(err error) int {
	if err == store.ErrNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type startWorkflowRequest struct {
	DefinitionID string         `json:"definition_id"`
	Version      int            `json:"version"`
	Data         map[string]any `json:"data"`
}

type startWorkflowResponse struct {
	InstanceID string `json:"instance_id"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DefinitionID == "" {
		writeError(w, http.StatusBadRequest, errMissingField("definition_id"))
		return
	}
	id, err := s.host.StartWorkflow(r.Context(), req.DefinitionID, req.Version, req.Data)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, startWorkflowResponse{InstanceID: id})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	detail, err := s.host.GetWorkflowInstance(r.Context(), id)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		DefinitionID: q.Get("definition_id"),
		Status:       model.InstanceStatus(q.Get("status")),
		Limit:        100,
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if after := q.Get("created_after"); after != "" {
		if t, err := time.Parse(time.RFC3339, after); err == nil {
			filter.CreatedAfter = &t
		}
	}
	if before := q.Get("created_before"); before != "" {
		if t, err := time.Parse(time.RFC3339, before); err == nil {
			filter.CreatedBefore = &t
		}
	}

	instances, err := s.host.ListWorkflowInstances(r.Context(), filter)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.instanceAction(w, r, s.host.SuspendWorkflow)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.instanceAction(w, r, s.host.ResumeWorkflow)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.instanceAction(w, r, s.host.TerminateWorkflow)
}

func (s *Server) instanceAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "instanceID")
	if err := action(r.Context(), id); err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishEventRequest struct {
	Name string         `json:"name"`
	Key  string         `json:"key"`
	Data map[string]any `json:"data"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errMissingField("name"))
		return
	}
	event, err := s.host.PublishEvent(r.Context(), req.Name, req.Key, req.Data)
	if err != nil {
		writeError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.host.HealthCheck(r.Context())
	status := http.StatusOK
	if health.State == "Unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type missingFieldError struct {
	field string
}

func (e *missingFieldError) Error() string { return "control: missing required field " + e.field }

func errMissingField(field string) error { return &missingFieldError{field: field} }
