package server

import "net/http"

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("/tasks/", s.routeTasks) // handles {id}, {id}/results
	mux.HandleFunc("/tasks", s.handleTasks)

	// Statistics
	mux.HandleFunc("/stats/queues", s.handleQueueStats)
	mux.HandleFunc("/stats/system", s.handleSystemStats)

	// Admin
	mux.HandleFunc("/admin/queues/", s.routeAdminQueues) // handles {type}/pause, {type}/resume
	mux.HandleFunc("/admin/retry-failed", s.handleRetryFailed)

	// System
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	// WebSocket event stream
	mux.HandleFunc("/ws/jobs", s.handleJobsWS)
}
