package server

import (
	"net/http"
	"strings"
)

// routeAdminQueues dispatches /admin/queues/{type}/pause and
// /admin/queues/{type}/resume.
func (s *Server) routeAdminQueues(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/queues/")
	switch {
	case strings.HasSuffix(rest, "/pause"):
		s.handleQueuePause(w, r, strings.TrimSuffix(rest, "/pause"))
	case strings.HasSuffix(rest, "/resume"):
		s.handleQueueResume(w, r, strings.TrimSuffix(rest, "/resume"))
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request, queueType string) {
	if err := s.app.Coordinator.Pause(queueType); err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"queue":  queueType,
		"paused": true,
	})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request, queueType string) {
	if err := s.app.Coordinator.Resume(r.Context(), queueType); err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"queue":  queueType,
		"paused": false,
	})
}

// handleRetryFailed handles POST /admin/retry-failed. An optional JSON body
// with taskType restricts the drain to one queue; an empty body drains all.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		TaskType string `json:"taskType"`
	}
	if r.ContentLength != 0 {
		if !DecodeJSON(w, r, &req) {
			return
		}
	}

	count, err := s.app.Coordinator.RetryFailed(r.Context(), req.TaskType)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"retriedCount": count,
	})
}
