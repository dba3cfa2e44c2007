package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskLogEntry is a single execution log line attached to a task. Entries are
// best-effort; a failed append never fails the task itself.
type TaskLogEntry struct {
	ID        string    `json:"id" badgerhold:"key"`
	TaskID    string    `json:"task_id" badgerholdIndex:"TaskID"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskLogEntry creates a log entry for the given task
func NewTaskLogEntry(taskID, level, message string) *TaskLogEntry {
	return &TaskLogEntry{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	}
}
