package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Publishing tasks
	mux.HandleFunc("/api/publishing/tasks", s.app.TaskHandler.TasksHandler) // GET (list), POST (create)
	mux.HandleFunc("/api/publishing/tasks/", s.app.TaskHandler.TaskRoutes)  // /{id}, /{id}/full, /{id}/logs, /{id}/execute, /{id}/stop

	// API routes - Batches
	mux.HandleFunc("/api/publishing/batches/", s.app.BatchHandler.BatchRoutes) // /{id}, /{id}/execute, /{id}/stop

	// API routes - Queue
	mux.HandleFunc("/api/publishing/queue/status", s.app.QueueHandler.StatusHandler)
	mux.HandleFunc("/api/publishing/queue/cleanup", s.app.QueueHandler.CleanupHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Everything else is a 404
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
