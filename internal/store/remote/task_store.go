// -----------------------------------------------------------------------
// Remote Task Store - task persistence backed by the central server API
// -----------------------------------------------------------------------

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// TaskStore implements interfaces.TaskCatalog against the central server's
// publishing API. Deployments that run next to the server use the embedded
// badger store instead; this store is for worker machines that execute
// tasks owned by a remote installation.
type TaskStore struct {
	client *Client
	logger arbor.ILogger
}

// NewTaskStore creates a server-backed task store
func NewTaskStore(client *Client, logger arbor.ILogger) *TaskStore {
	return &TaskStore{
		client: client,
		logger: logger,
	}
}

// AuthCheck adapts the client's login state for the scheduler's auth gate
func (s *TaskStore) AuthCheck(_ context.Context) bool {
	return s.client.IsAuthenticated()
}

// GetTask returns the current task row
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.client.do(ctx, http.MethodGet, "/api/publishing/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return &task, nil
}

// SaveTask creates or replaces a task on the server
func (s *TaskStore) SaveTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/publishing/tasks", task, nil); err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes a task and its log trail on the server
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.client.do(ctx, http.MethodDelete, "/api/publishing/tasks/"+url.PathEscape(taskID), nil, nil); err != nil {
		// Deleting an already-absent task is not an error
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	return nil
}

// GetTaskLogs returns a task's execution log, oldest first
func (s *TaskStore) GetTaskLogs(ctx context.Context, taskID string) ([]*models.TaskLogEntry, error) {
	var payload struct {
		Logs []*models.TaskLogEntry `json:"logs"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/api/publishing/tasks/"+url.PathEscape(taskID)+"/logs", nil, &payload); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get logs of task %s: %w", taskID, err)
	}
	return payload.Logs, nil
}

// GetTaskFull returns the task together with its resolved account
func (s *TaskStore) GetTaskFull(ctx context.Context, taskID string) (*interfaces.TaskFull, error) {
	var payload struct {
		Task    *models.Task    `json:"task"`
		Account *models.Account `json:"account"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/api/publishing/tasks/"+url.PathEscape(taskID)+"/full", nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get full task %s: %w", taskID, err)
	}
	if payload.Task == nil {
		return nil, fmt.Errorf("server returned no task for %s", taskID)
	}
	return &interfaces.TaskFull{Task: payload.Task, Account: payload.Account}, nil
}

// UpdateTaskStatus transitions the task and records the message
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, message string) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown task status: %s", status)
	}

	body := map[string]string{
		"status":        string(status),
		"error_message": message,
	}
	if err := s.client.do(ctx, http.MethodPut, "/api/publishing/tasks/"+url.PathEscape(taskID)+"/status", body, nil); err != nil {
		return fmt.Errorf("failed to update status of task %s: %w", taskID, err)
	}
	return nil
}

// IncrementRetryCount bumps the persistent retry counter
func (s *TaskStore) IncrementRetryCount(ctx context.Context, taskID string) error {
	if err := s.client.do(ctx, http.MethodPost, "/api/publishing/tasks/"+url.PathEscape(taskID)+"/increment-retry", nil, nil); err != nil {
		return fmt.Errorf("failed to increment retry count of task %s: %w", taskID, err)
	}
	return nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *TaskStore) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.BatchID != "" {
		query.Set("batch_id", filter.BatchID)
	}
	if filter.PageSize > 0 {
		query.Set("pageSize", strconv.Itoa(filter.PageSize))
	}

	path := "/api/publishing/tasks"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var payload struct {
		Tasks []*models.Task `json:"tasks"`
		Total int            `json:"total"`
	}
	if err := s.client.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return payload.Tasks, nil
}

// GetBatchSummary aggregates task counts for one batch
func (s *TaskStore) GetBatchSummary(ctx context.Context, batchID string) (*models.BatchSummary, error) {
	var summary models.BatchSummary
	if err := s.client.do(ctx, http.MethodGet, "/api/publishing/batches/"+url.PathEscape(batchID), nil, &summary); err != nil {
		return nil, fmt.Errorf("failed to get summary of batch %s: %w", batchID, err)
	}
	return &summary, nil
}

// StopBatch cancels pending tasks in the batch on the server
func (s *TaskStore) StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error) {
	var result models.StopBatchResult
	if err := s.client.do(ctx, http.MethodPost, "/api/publishing/batches/"+url.PathEscape(batchID)+"/stop", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to stop batch %s: %w", batchID, err)
	}
	return &result, nil
}

// SetAccountOnlineStatus records login health for an account
func (s *TaskStore) SetAccountOnlineStatus(ctx context.Context, accountID string, online bool, reason string) error {
	body := map[string]interface{}{
		"is_online": online,
		"reason":    reason,
	}
	if err := s.client.do(ctx, http.MethodPut, "/api/accounts/"+url.PathEscape(accountID)+"/online-status", body, nil); err != nil {
		return fmt.Errorf("failed to set online status of account %s: %w", accountID, err)
	}
	return nil
}

// AppendTaskLog attaches an execution log entry to a task
func (s *TaskStore) AppendTaskLog(ctx context.Context, entry *models.TaskLogEntry) error {
	body := map[string]string{
		"level":   entry.Level,
		"message": entry.Message,
		"details": entry.Details,
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/publishing/tasks/"+url.PathEscape(entry.TaskID)+"/logs", body, nil); err != nil {
		return fmt.Errorf("failed to append log to task %s: %w", entry.TaskID, err)
	}
	return nil
}
