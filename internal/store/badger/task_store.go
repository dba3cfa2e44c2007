// -----------------------------------------------------------------------
// Badger Task Store - embedded system of record for publish tasks
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

// TaskStore implements interfaces.TaskCatalog on badgerhold
type TaskStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewTaskStore creates a task store over the given connection
func NewTaskStore(db *DB, logger arbor.ILogger) *TaskStore {
	return &TaskStore{db: db, logger: logger}
}

// SaveTask inserts or replaces a task
func (s *TaskStore) SaveTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its logs
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.db.Store().Delete(taskID, &models.Task{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.TaskLogEntry{}, badgerhold.Where("TaskID").Eq(taskID)); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to delete task logs")
	}
	return nil
}

// GetTask returns one task by ID
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// GetTaskFull returns the task with its resolved account
func (s *TaskStore) GetTaskFull(ctx context.Context, taskID string) (*interfaces.TaskFull, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	account, err := s.GetAccount(ctx, task.AccountID)
	if err != nil {
		return nil, err
	}
	return &interfaces.TaskFull{Task: task, Account: account}, nil
}

// UpdateTaskStatus transitions the task, maintaining the start and completion
// timestamps
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, message string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid task status: %s", status)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	task.Status = status
	task.ErrorMessage = message
	switch {
	case status == models.TaskStatusRunning:
		task.StartedAt = &now
		task.CompletedAt = nil
	case status.IsTerminal():
		task.CompletedAt = &now
	case status == models.TaskStatusPending:
		task.CompletedAt = nil
	}

	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// IncrementRetryCount bumps the persistent retry counter
func (s *TaskStore) IncrementRetryCount(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.RetryCount++
	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// ListTasks returns tasks matching the filter, oldest first
func (s *TaskStore) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.BatchID != "" {
		query = query.And("BatchID").Eq(filter.BatchID)
	}
	query = query.SortBy("CreatedAt")
	if filter.PageSize > 0 {
		query = query.Limit(filter.PageSize)
	}

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

// GetBatchSummary aggregates task counts for one batch
func (s *TaskStore) GetBatchSummary(ctx context.Context, batchID string) (*models.BatchSummary, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return nil, fmt.Errorf("failed to load batch tasks: %w", err)
	}

	summary := &models.BatchSummary{BatchID: batchID}
	for i := range tasks {
		t := &tasks[i]
		summary.Total++
		switch t.Status {
		case models.TaskStatusPending:
			summary.Pending++
		case models.TaskStatusRunning:
			summary.Running++
		case models.TaskStatusSuccess:
			summary.Success++
		case models.TaskStatusFailed:
			summary.Failed++
		case models.TaskStatusCancelled:
			summary.Cancelled++
		case models.TaskStatusTimeout:
			summary.Timeout++
		}
		if summary.CreatedAt.IsZero() || t.CreatedAt.Before(summary.CreatedAt) {
			summary.CreatedAt = t.CreatedAt
		}
	}
	return summary, nil
}

// StopBatch cancels all pending tasks in the batch and counts the running
// ones marked for termination
func (s *TaskStore) StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return nil, fmt.Errorf("failed to load batch tasks: %w", err)
	}

	result := &models.StopBatchResult{}
	now := time.Now()
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case models.TaskStatusPending:
			t.Status = models.TaskStatusCancelled
			t.ErrorMessage = "batch stopped"
			t.CompletedAt = &now
			if err := s.db.Store().Upsert(t.ID, t); err != nil {
				return nil, fmt.Errorf("failed to cancel task %s: %w", t.ID, err)
			}
			result.CancelledCount++
		case models.TaskStatusRunning:
			result.TerminatedCount++
		}
	}
	return result, nil
}

// SaveAccount inserts or replaces an account
func (s *TaskStore) SaveAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		return fmt.Errorf("account ID is required")
	}
	account.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(account.ID, account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount returns one account by ID
func (s *TaskStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.Store().Get(accountID, &account); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("account not found: %s", accountID)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// SetAccountOnlineStatus records login health for an account
func (s *TaskStore) SetAccountOnlineStatus(ctx context.Context, accountID string, online bool, reason string) error {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	account.IsOnline = online
	account.OfflineReason = reason
	if online {
		account.OfflineReason = ""
	}
	account.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(account.ID, account); err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return nil
}

// AppendTaskLog attaches an execution log entry to a task
func (s *TaskStore) AppendTaskLog(ctx context.Context, entry *models.TaskLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("log entry ID is required")
	}
	if err := s.db.Store().Insert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// GetTaskLogs returns a task's log entries, oldest first
func (s *TaskStore) GetTaskLogs(ctx context.Context, taskID string) ([]*models.TaskLogEntry, error) {
	var entries []models.TaskLogEntry
	query := badgerhold.Where("TaskID").Eq(taskID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to load task logs: %w", err)
	}
	result := make([]*models.TaskLogEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}
