// -----------------------------------------------------------------------
// Task Handler - HTTP endpoints for publish task management
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
	"github.com/ternarybob/promulgo/internal/publishing"
)

// TaskHandler serves the publishing task API
type TaskHandler struct {
	store     interfaces.TaskCatalog
	scheduler *publishing.Scheduler
	logger    arbor.ILogger
}

// NewTaskHandler creates a task API handler
func NewTaskHandler(store interfaces.TaskCatalog, scheduler *publishing.Scheduler, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// CreateTaskRequest is the payload for creating a publish task
type CreateTaskRequest struct {
	ArticleID       string    `json:"article_id"`
	ArticleTitle    string    `json:"article_title"`
	ArticleContent  string    `json:"article_content"`
	ArticleKeyword  string    `json:"article_keyword,omitempty"`
	AccountID       string    `json:"account_id"`
	PlatformID      string    `json:"platform_id"`
	Config          string    `json:"config,omitempty"`
	MaxRetries      int       `json:"max_retries,omitempty"`
	BatchID         string    `json:"batch_id,omitempty"`
	BatchOrder      int       `json:"batch_order,omitempty"`
	IntervalMinutes int       `json:"interval_minutes,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at,omitempty"`
}

// TasksHandler handles /api/publishing/tasks (GET list, POST create)
func (h *TaskHandler) TasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listTasks(w, r)
	case http.MethodPost:
		h.createTask(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// TaskRoutes handles /api/publishing/tasks/{id} and subpaths
func (h *TaskHandler) TaskRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/publishing/tasks/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		WriteError(w, http.StatusBadRequest, "Task ID required")
		return
	}
	taskID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getTask(w, r, taskID)
		case http.MethodDelete:
			h.deleteTask(w, r, taskID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "full":
		if RequireMethod(w, r, http.MethodGet) {
			h.getTaskFull(w, r, taskID)
		}
	case "logs":
		if RequireMethod(w, r, http.MethodGet) {
			h.getTaskLogs(w, r, taskID)
		}
	case "execute":
		if RequireMethod(w, r, http.MethodPost) {
			h.executeTask(w, r, taskID)
		}
	case "stop":
		if RequireMethod(w, r, http.MethodPost) {
			h.stopTask(w, r, taskID)
		}
	default:
		WriteError(w, http.StatusNotFound, "Unknown task operation: "+parts[1])
	}
}

func (h *TaskHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.TaskFilter{
		Status:   models.TaskStatus(r.URL.Query().Get("status")),
		BatchID:  r.URL.Query().Get("batch_id"),
		PageSize: GetPageSize(r),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		WriteError(w, http.StatusBadRequest, "Unknown status filter: "+string(filter.Status))
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (h *TaskHandler) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	task := &models.Task{
		ID:              uuid.New().String(),
		Status:          models.TaskStatusPending,
		MaxRetries:      req.MaxRetries,
		BatchID:         req.BatchID,
		BatchOrder:      req.BatchOrder,
		IntervalMinutes: req.IntervalMinutes,
		ArticleID:       req.ArticleID,
		ArticleTitle:    req.ArticleTitle,
		ArticleContent:  req.ArticleContent,
		ArticleKeyword:  req.ArticleKeyword,
		AccountID:       req.AccountID,
		PlatformID:      req.PlatformID,
		Config:          req.Config,
		ScheduledAt:     req.ScheduledAt,
		CreatedAt:       time.Now(),
	}

	if err := h.store.SaveTask(r.Context(), task); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().
		Str("task_id", task.ID).
		Str("platform_id", task.PlatformID).
		Str("batch_id", task.BatchID).
		Msg("Publish task created")

	WriteJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTaskNotFound) {
			WriteError(w, http.StatusNotFound, "Task not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get task")
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) getTaskFull(w http.ResponseWriter, r *http.Request, taskID string) {
	full, err := h.store.GetTaskFull(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTaskNotFound) {
			WriteError(w, http.StatusNotFound, "Task not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get task")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"task":    full.Task,
		"account": full.Account,
	})
}

func (h *TaskHandler) getTaskLogs(w http.ResponseWriter, r *http.Request, taskID string) {
	logs, err := h.store.GetTaskLogs(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTaskNotFound) {
			WriteError(w, http.StatusNotFound, "Task not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get task logs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"total": len(logs),
	})
}

func (h *TaskHandler) executeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTaskNotFound) {
			WriteError(w, http.StatusNotFound, "Task not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get task")
		return
	}
	if task.Status != models.TaskStatusPending {
		WriteError(w, http.StatusConflict, "Only pending tasks can be executed, task is "+string(task.Status))
		return
	}

	// Execution outlives the request
	go func() {
		if err := h.scheduler.ExecuteTask(context.Background(), taskID); err != nil {
			h.logger.Warn().Err(err).Str("task_id", taskID).Msg("Manual task execution failed")
		}
	}()

	WriteStarted(w, "Task execution started")
}

func (h *TaskHandler) stopTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := h.scheduler.StopTask(r.Context(), taskID); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, "Task stop requested")
}

func (h *TaskHandler) deleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTaskNotFound) {
			WriteError(w, http.StatusNotFound, "Task not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get task")
		return
	}

	if task.Status == models.TaskStatusRunning {
		WriteError(w, http.StatusConflict, "Cannot delete a running task, stop it first")
		return
	}

	if err := h.store.DeleteTask(r.Context(), taskID); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to delete task")
		return
	}
	WriteSuccess(w, "Task deleted")
}
