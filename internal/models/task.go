// -----------------------------------------------------------------------
// Publish Task - Immutable article snapshot plus mutable execution state
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a publish task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal returns true for states that never transition again
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// IsValid returns true if the status is one of the known lifecycle states
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// Task represents a single article publish operation against one platform
// account. The article fields are a snapshot taken at creation time; editing
// the source article later does not change what an enqueued task publishes.
//
// Batch membership is optional. Tasks sharing a BatchID execute strictly in
// BatchOrder, spaced by IntervalMinutes measured from the previous task's
// completion.
type Task struct {
	ID         string     `json:"id" badgerhold:"key"`
	Status     TaskStatus `json:"status" badgerholdIndex:"Status"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`

	// Batch membership
	BatchID         string `json:"batch_id,omitempty" badgerholdIndex:"BatchID"`
	BatchOrder      int    `json:"batch_order,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`

	// Article snapshot (immutable after creation)
	ArticleID      string `json:"article_id"`
	ArticleTitle   string `json:"article_title"`
	ArticleContent string `json:"article_content"`
	ArticleKeyword string `json:"article_keyword,omitempty"`

	// Target
	AccountID  string `json:"account_id"`
	PlatformID string `json:"platform_id"`

	// Per-task execution overrides, stored as a JSON document
	Config string `json:"config,omitempty"`

	// Earliest start time for non-batch tasks; zero means immediately
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// TaskConfig holds the per-task execution overrides parsed from Task.Config
type TaskConfig struct {
	TimeoutMinutes int   `json:"timeout_minutes,omitempty"`
	Headless       *bool `json:"headless,omitempty"`
}

const (
	// DefaultTimeoutMinutes applies when a task config carries no timeout
	DefaultTimeoutMinutes = 15
	// MinTimeoutMinutes is the floor a configured timeout is clamped to
	MinTimeoutMinutes = 1
)

// ParseConfig parses the task's JSON config document. A missing or empty
// config yields the defaults: 15 minute timeout, headless execution. Timeouts
// below one minute are clamped up.
func (t *Task) ParseConfig() (TaskConfig, error) {
	cfg := TaskConfig{TimeoutMinutes: DefaultTimeoutMinutes}
	if t.Config != "" {
		if err := json.Unmarshal([]byte(t.Config), &cfg); err != nil {
			return TaskConfig{}, fmt.Errorf("failed to parse task config: %w", err)
		}
	}
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if cfg.TimeoutMinutes < MinTimeoutMinutes {
		cfg.TimeoutMinutes = MinTimeoutMinutes
	}
	return cfg, nil
}

// Timeout returns the effective execution deadline for the task
func (c TaskConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// IsHeadless returns the headless flag, defaulting to true when unset
func (c TaskConfig) IsHeadless() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// RetriesExhausted returns true once the retry budget is spent
func (t *Task) RetriesExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

// Validate checks the task for structural problems before enqueueing
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid task status: %s", t.Status)
	}
	if t.ArticleID == "" {
		return fmt.Errorf("article ID is required")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account ID is required")
	}
	if t.PlatformID == "" {
		return fmt.Errorf("platform ID is required")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if t.IntervalMinutes < 0 {
		return fmt.Errorf("interval minutes cannot be negative")
	}
	return nil
}
