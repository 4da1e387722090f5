package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bobmcallan/conveyor/internal/models"
)

// SubmitTaskRequest is the POST /tasks payload. Priority is a pointer so an
// omitted priority (defaulted) can be told apart from an explicit 0 (rejected).
type SubmitTaskRequest struct {
	Type     string          `json:"type"`
	Priority *int            `json:"priority,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// handleTasks handles POST /tasks (submit) and GET /tasks (list by status).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleTaskSubmit(w, r)
	case http.MethodGet:
		s.handleTaskList(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		WriteError(w, http.StatusBadRequest, "type is required")
		return
	}
	priority := 0 // coordinator applies the default
	if req.Priority != nil {
		if *req.Priority < models.PriorityHighest || *req.Priority > models.PriorityLowest {
			WriteError(w, http.StatusBadRequest, "priority must be between 1 and 10")
			return
		}
		priority = *req.Priority
	}

	job, err := s.app.Coordinator.Submit(r.Context(), req.Type, priority, req.Data)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"taskId": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.JobStatusWaiting
	}
	if !models.ValidStatus(status) {
		WriteError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	var (
		jobs []*models.Job
		err  error
	)
	if jobType := r.URL.Query().Get("type"); jobType != "" {
		jobs, err = s.app.Store.ListByStatusAndType(r.Context(), status, jobType, limit)
	} else {
		jobs, err = s.app.Store.ListByStatus(r.Context(), status, limit)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"tasks":  jobs,
		"count":  len(jobs),
		"status": status,
	})
}

// routeTasks dispatches /tasks/{id} and /tasks/{id}/results.
func (s *Server) routeTasks(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if strings.HasSuffix(rest, "/results") {
		id := PathParam(r, "/tasks/", "/results")
		s.handleTaskResults(w, r, id)
		return
	}
	if strings.Contains(rest, "/") || rest == "" {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	s.handleTaskGet(w, r, rest)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.app.Store.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleTaskResults(w http.ResponseWriter, r *http.Request, id string) {
	// Verify the job exists so a missing job and an empty history differ.
	if _, err := s.app.Store.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	results, err := s.app.Store.ResultsForJob(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"results": results,
		"count":   len(results),
	})
}
