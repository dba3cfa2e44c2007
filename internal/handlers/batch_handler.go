// -----------------------------------------------------------------------
// Batch Handler - HTTP endpoints for batch orchestration
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/publishing"
)

// BatchHandler serves the publishing batch API
type BatchHandler struct {
	store     interfaces.TaskCatalog
	scheduler *publishing.Scheduler
	logger    arbor.ILogger
}

// NewBatchHandler creates a batch API handler
func NewBatchHandler(store interfaces.TaskCatalog, scheduler *publishing.Scheduler, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// BatchRoutes handles /api/publishing/batches/{id} and subpaths
func (h *BatchHandler) BatchRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/publishing/batches/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		WriteError(w, http.StatusBadRequest, "Batch ID required")
		return
	}
	batchID := parts[0]

	if len(parts) == 1 {
		if RequireMethod(w, r, http.MethodGet) {
			h.getBatchSummary(w, r, batchID)
		}
		return
	}

	switch parts[1] {
	case "execute":
		if RequireMethod(w, r, http.MethodPost) {
			h.executeBatch(w, r, batchID)
		}
	case "stop":
		if RequireMethod(w, r, http.MethodPost) {
			h.stopBatch(w, r, batchID)
		}
	default:
		WriteError(w, http.StatusNotFound, "Unknown batch operation: "+parts[1])
	}
}

func (h *BatchHandler) getBatchSummary(w http.ResponseWriter, r *http.Request, batchID string) {
	summary, err := h.store.GetBatchSummary(r.Context(), batchID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to get batch summary")
		return
	}
	if summary.Total == 0 {
		WriteError(w, http.StatusNotFound, "Batch not found")
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

func (h *BatchHandler) executeBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	summary, err := h.store.GetBatchSummary(r.Context(), batchID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to get batch summary")
		return
	}
	if summary.Total == 0 {
		WriteError(w, http.StatusNotFound, "Batch not found")
		return
	}
	if summary.Pending == 0 {
		WriteError(w, http.StatusConflict, "Batch has no pending tasks")
		return
	}

	// Execution outlives the request
	go func() {
		if err := h.scheduler.ExecuteBatch(context.Background(), batchID); err != nil {
			h.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Manual batch execution failed")
		}
	}()

	WriteStarted(w, "Batch execution started")
}

func (h *BatchHandler) stopBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	result, err := h.scheduler.StopBatch(r.Context(), batchID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().
		Str("batch_id", batchID).
		Int("cancelled", result.CancelledCount).
		Int("terminated", result.TerminatedCount).
		Msg("Batch stop requested via API")

	WriteJSON(w, http.StatusOK, result)
}
