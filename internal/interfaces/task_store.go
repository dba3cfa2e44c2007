package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/promulgo/internal/models"
)

// ErrTaskNotFound is returned by any TaskStore implementation when the task
// does not exist. Handlers map it to a 404.
var ErrTaskNotFound = errors.New("task not found")

// TaskFilter narrows ListTasks results. Zero values mean "no constraint".
type TaskFilter struct {
	Status   models.TaskStatus
	BatchID  string
	PageSize int
}

// TaskFull pairs a task with the account it publishes through
type TaskFull struct {
	Task    *models.Task
	Account *models.Account
}

// TaskStore is the system of record for publish tasks. The orchestration core
// never caches task state; every decision re-reads through this interface so
// that external mutations (manual stops, edits) are observed promptly.
type TaskStore interface {
	// GetTask returns the current task row
	GetTask(ctx context.Context, taskID string) (*models.Task, error)

	// GetTaskFull returns the task together with its resolved account
	GetTaskFull(ctx context.Context, taskID string) (*TaskFull, error)

	// UpdateTaskStatus transitions the task and records the message.
	// StartedAt/CompletedAt bookkeeping is the store's responsibility.
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, message string) error

	// IncrementRetryCount bumps the persistent retry counter
	IncrementRetryCount(ctx context.Context, taskID string) error

	// ListTasks returns tasks matching the filter, oldest first
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// GetBatchSummary aggregates task counts for one batch
	GetBatchSummary(ctx context.Context, batchID string) (*models.BatchSummary, error)

	// StopBatch cancels all pending tasks in the batch and marks running ones
	// for termination, returning the counts of each
	StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error)

	// SetAccountOnlineStatus records login health for an account
	SetAccountOnlineStatus(ctx context.Context, accountID string, online bool, reason string) error

	// AppendTaskLog attaches an execution log entry to a task. Best-effort:
	// callers ignore the error beyond logging it.
	AppendTaskLog(ctx context.Context, entry *models.TaskLogEntry) error
}

// TaskCatalog extends TaskStore with the management operations the HTTP API
// needs. Both storage backends implement it.
type TaskCatalog interface {
	TaskStore

	// SaveTask creates or replaces a task row
	SaveTask(ctx context.Context, task *models.Task) error

	// DeleteTask removes a task and its log trail
	DeleteTask(ctx context.Context, taskID string) error

	// GetTaskLogs returns a task's execution log, oldest first
	GetTaskLogs(ctx context.Context, taskID string) ([]*models.TaskLogEntry, error)
}
