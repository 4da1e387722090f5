package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
)

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          common.GetVersion(),
		"environment":      s.app.Config.Environment,
		"uptime_seconds":   time.Since(s.app.StartTime).Seconds(),
		"heap_alloc_bytes": mem.HeapAlloc,
		"goroutines":       runtime.NumGoroutine(),
		"queues":           s.app.Config.QueueNames(),
		"ws_clients":       s.app.Hub.ClientCount(),
	})
}

// handleVersion handles GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
		"full":    common.GetFullVersion(),
	})
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

// handleQueueStats handles GET /stats/queues.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"queues": s.app.Broker.AllStats(),
	})
}

// handleSystemStats handles GET /stats/system.
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	snap, err := s.app.Metrics.Snapshot(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// handleJobsWS upgrades GET /ws/jobs to the job event stream.
func (s *Server) handleJobsWS(w http.ResponseWriter, r *http.Request) {
	s.app.Hub.ServeWS(w, r)
}
