// -----------------------------------------------------------------------
// Queue Handler - HTTP endpoints for scheduler and queue state
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/publishing"
)

// QueueHandler serves queue status and cleanup endpoints
type QueueHandler struct {
	scheduler *publishing.Scheduler
	logger    arbor.ILogger
}

// NewQueueHandler creates a queue API handler
func NewQueueHandler(scheduler *publishing.Scheduler, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// StatusHandler handles GET /api/publishing/queue/status
func (h *QueueHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.scheduler.GetStatus(r.Context()))
}

// CleanupHandler handles POST /api/publishing/queue/cleanup
func (h *QueueHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	h.logger.Info().Msg("Queue cleanup requested via API")
	h.scheduler.ForceCleanup(r.Context())
	WriteSuccess(w, "Queue state cleaned")
}
