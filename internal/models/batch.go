package models

import "time"

// BatchSummary aggregates task counts for one batch by lifecycle state
type BatchSummary struct {
	BatchID   string    `json:"batch_id"`
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Running   int       `json:"running"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Timeout   int       `json:"timeout"`
	CreatedAt time.Time `json:"created_at"`
}

// Finished returns true when no task in the batch can still execute
func (s BatchSummary) Finished() bool {
	return s.Pending == 0 && s.Running == 0
}

// StopBatchResult reports what a bulk batch stop actually did
type StopBatchResult struct {
	CancelledCount  int `json:"cancelled_count"`
	TerminatedCount int `json:"terminated_count"`
}

// QueueStatus is a point-in-time snapshot of the execution queue
type QueueStatus struct {
	IsRunning         bool     `json:"is_running"`
	ExecutingBatchIDs []string `json:"executing_batch_ids"`
	PendingTasks      int      `json:"pending_tasks,omitempty"`
}
