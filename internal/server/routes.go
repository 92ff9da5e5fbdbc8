package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - System
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and /api/jobs/{id}/{action}

	// API routes - Run records
	mux.HandleFunc("/api/records", s.app.JobHandler.ListRecordsHandler)
	mux.HandleFunc("/api/records/", s.handleRecordRoutes)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobRoutes routes /api/jobs/{id} and the control actions under it
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	p, ok := parseJobPath(r.URL.Path, "/api/jobs/")
	if !ok {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	jobs := s.app.JobHandler

	if p.Action == "" {
		methodHandlers{
			http.MethodGet:    jobs.GetJobHandler,
			http.MethodDelete: jobs.DeleteJobHandler,
		}.serve(w, r)
		return
	}

	// POST /api/jobs/{id}/pause|resume|stop
	control := map[string]http.HandlerFunc{
		"pause":  jobs.PauseJobHandler,
		"resume": jobs.ResumeJobHandler,
		"stop":   jobs.StopJobHandler,
	}
	handler, ok := control[p.Action]
	if !ok {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	methodHandlers{http.MethodPost: handler}.serve(w, r)
}

// handleRecordRoutes routes /api/records/{id}
func (s *Server) handleRecordRoutes(w http.ResponseWriter, r *http.Request) {
	p, ok := parseJobPath(r.URL.Path, "/api/records/")
	if !ok || p.Action != "" {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}
	methodHandlers{
		http.MethodGet:    s.app.JobHandler.GetRecordHandler,
		http.MethodDelete: s.app.JobHandler.DeleteRecordHandler,
	}.serve(w, r)
}
