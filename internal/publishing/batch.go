// -----------------------------------------------------------------------
// Batch Orchestrator - sequential batch execution with interval spacing
// -----------------------------------------------------------------------

package publishing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

const (
	// defaultCompletionWait caps how long the orchestrator waits for one task
	// to reach a terminal state, retries included
	defaultCompletionWait = 15 * time.Minute

	// defaultPollInterval is the slice at which stop flags are observed
	defaultPollInterval = time.Second

	// defaultSpacingBuffer pads the configured interval so platform-side
	// rate limiting sees a clear gap
	defaultSpacingBuffer = 5 * time.Second
)

// BatchOptions tune waits that tests shorten to milliseconds. IntervalUnit
// scales the per-task IntervalMinutes value, one minute unless overridden.
type BatchOptions struct {
	CompletionWait time.Duration
	PollInterval   time.Duration
	SpacingBuffer  time.Duration
	IntervalUnit   time.Duration
}

// BatchOrchestrator executes batches of publish tasks strictly in BatchOrder,
// spacing consecutive tasks by the batch interval measured from the previous
// task's completion time.
//
// Lock ordering: the orchestrator's batch lock is always acquired before the
// executor's task lock, never the other way around. The orchestrator is the
// only component that ever holds both.
type BatchOrchestrator struct {
	store    interfaces.TaskStore
	executor *TaskExecutor
	events   interfaces.EventService
	logger   arbor.ILogger

	lock Lock

	mu      sync.Mutex
	active  map[string]struct{}
	stopped map[string]struct{}

	completionWait time.Duration
	pollInterval   time.Duration
	spacingBuffer  time.Duration
	intervalUnit   time.Duration
}

// NewBatchOrchestrator creates an orchestrator driving the given executor
func NewBatchOrchestrator(store interfaces.TaskStore, executor *TaskExecutor, events interfaces.EventService, logger arbor.ILogger, opts *BatchOptions) *BatchOrchestrator {
	b := &BatchOrchestrator{
		store:          store,
		executor:       executor,
		events:         events,
		logger:         logger,
		active:         make(map[string]struct{}),
		stopped:        make(map[string]struct{}),
		completionWait: defaultCompletionWait,
		pollInterval:   defaultPollInterval,
		spacingBuffer:  defaultSpacingBuffer,
		intervalUnit:   time.Minute,
	}
	if opts != nil {
		if opts.CompletionWait > 0 {
			b.completionWait = opts.CompletionWait
		}
		if opts.PollInterval > 0 {
			b.pollInterval = opts.PollInterval
		}
		if opts.SpacingBuffer >= 0 {
			b.spacingBuffer = opts.SpacingBuffer
		}
		if opts.IntervalUnit > 0 {
			b.intervalUnit = opts.IntervalUnit
		}
	}
	return b
}

// IsExecuting reports whether any batch is running or queued
func (b *BatchOrchestrator) IsExecuting() bool {
	if b.lock.IsLocked() || b.lock.QueueLength() > 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active) > 0
}

// ActiveBatchIDs returns the batches currently executing
func (b *BatchOrchestrator) ActiveBatchIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForceCleanup clears all transient batch state. Used when in-memory state
// has drifted from the store after a crash or abandoned run.
func (b *BatchOrchestrator) ForceCleanup() {
	b.mu.Lock()
	b.active = make(map[string]struct{})
	b.stopped = make(map[string]struct{})
	b.mu.Unlock()
	b.logger.Info().Msg("Batch orchestrator state cleared")
}

func (b *BatchOrchestrator) isStopped(batchID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.stopped[batchID]
	return ok
}

// ExecuteBatch runs all pending tasks of the batch in order. Concurrent calls
// for different batches queue up FIFO on the batch lock; the single browser
// never sees two batches interleaved.
func (b *BatchOrchestrator) ExecuteBatch(ctx context.Context, batchID string) error {
	b.mu.Lock()
	delete(b.stopped, batchID)
	b.active[batchID] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.active, batchID)
		b.mu.Unlock()
	}()

	release, err := b.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	defer release()

	tasks, err := b.store.ListTasks(ctx, interfaces.TaskFilter{BatchID: batchID})
	if err != nil {
		return fmt.Errorf("failed to list batch %s tasks: %w", batchID, err)
	}
	if len(tasks) == 0 {
		b.logger.Warn().Str("batch_id", batchID).Msg("Batch has no tasks")
		return nil
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].BatchOrder < tasks[j].BatchOrder
	})

	b.logger.Info().Str("batch_id", batchID).Int("task_count", len(tasks)).Msg("Starting batch execution")

	for i, task := range tasks {
		last := i == len(tasks)-1

		if b.isStopped(batchID) {
			b.logger.Info().Str("batch_id", batchID).Str("task_id", task.ID).Msg("Batch stopped, aborting remaining tasks")
			break
		}

		// Re-read: manual stops or edits may have landed since listing
		current, err := b.store.GetTask(ctx, task.ID)
		if err != nil {
			b.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to reload batch task, skipping")
			continue
		}

		if current.Status != models.TaskStatusPending {
			b.logger.Info().
				Str("task_id", current.ID).
				Str("status", string(current.Status)).
				Msg("Skipping task not in pending state")
			// A previously completed task still anchors the spacing: after a
			// restart the next task must not fire inside the interval window.
			if !last && current.CompletedAt != nil && current.IntervalMinutes > 0 {
				if err := b.waitSpacing(ctx, batchID, *current.CompletedAt, current.IntervalMinutes); err != nil {
					return err
				}
			}
			continue
		}

		final, err := b.runTask(ctx, batchID, current.ID)
		if err != nil {
			return err
		}

		if !last && final != nil && final.CompletedAt != nil && current.IntervalMinutes > 0 {
			if err := b.waitSpacing(ctx, batchID, *final.CompletedAt, current.IntervalMinutes); err != nil {
				return err
			}
		}
	}

	b.reportSummary(ctx, batchID)
	return nil
}

// runTask drives one task to a terminal state, re-invoking the executor for
// every pending retry, bounded by the completion wait ceiling.
func (b *BatchOrchestrator) runTask(ctx context.Context, batchID, taskID string) (*models.Task, error) {
	deadline := time.Now().Add(b.completionWait)

	if err := b.executor.ExecuteTask(ctx, taskID); err != nil {
		b.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task execution returned error")
	}

	for {
		task, err := b.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload task %s: %w", taskID, err)
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		if b.isStopped(batchID) {
			return task, nil
		}
		if time.Now().After(deadline) {
			b.logger.Error().Str("task_id", taskID).Str("status", string(task.Status)).Msg("Gave up waiting for task completion")
			return task, nil
		}

		switch task.Status {
		case models.TaskStatusPending:
			// A pending task with no retry budget left would loop forever;
			// force it terminal instead of re-executing
			if task.RetryCount >= task.MaxRetries {
				msg := fmt.Sprintf("retry budget exhausted (%d/%d)", task.RetryCount, task.MaxRetries)
				b.logger.Error().Str("task_id", taskID).Int("retry_count", task.RetryCount).Msg("Pending task has no retries left, failing")
				if err := b.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusFailed, msg); err != nil {
					return task, fmt.Errorf("failed to fail exhausted task %s: %w", taskID, err)
				}
				continue
			}
			// Retry left behind by the executor; run it now
			if err := b.executor.ExecuteTask(ctx, taskID); err != nil {
				b.logger.Warn().Err(err).Str("task_id", taskID).Msg("Task retry returned error")
			}
		case models.TaskStatusRunning:
			select {
			case <-ctx.Done():
				return task, ctx.Err()
			case <-time.After(b.pollInterval):
			}
		}
	}
}

// waitSpacing sleeps out the batch interval anchored at the previous task's
// completion, in poll-interval slices so a stop lands within a second.
func (b *BatchOrchestrator) waitSpacing(ctx context.Context, batchID string, completedAt time.Time, intervalMinutes int) error {
	until := completedAt.Add(time.Duration(intervalMinutes)*b.intervalUnit + b.spacingBuffer)
	remaining := time.Until(until)
	if remaining <= 0 {
		return nil
	}

	b.logger.Info().
		Str("batch_id", batchID).
		Str("wait", remaining.Round(time.Second).String()).
		Int("interval_minutes", intervalMinutes).
		Msg("Waiting batch interval before next task")

	for time.Now().Before(until) {
		if b.isStopped(batchID) {
			b.logger.Info().Str("batch_id", batchID).Msg("Batch stopped during interval wait")
			return nil
		}
		slice := time.Until(until)
		if slice > b.pollInterval {
			slice = b.pollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
		}
	}
	return nil
}

// StopBatch stops a batch: pending tasks are bulk-cancelled in the store, the
// in-flight task (if any) is torn down, and the interval wait is interrupted.
func (b *BatchOrchestrator) StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error) {
	b.mu.Lock()
	b.stopped[batchID] = struct{}{}
	b.mu.Unlock()

	result, err := b.store.StopBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to stop batch %s: %w", batchID, err)
	}

	running, err := b.store.ListTasks(ctx, interfaces.TaskFilter{BatchID: batchID, Status: models.TaskStatusRunning})
	if err != nil {
		b.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to list running tasks during stop")
	} else {
		for _, task := range running {
			if err := b.executor.StopTask(ctx, task.ID); err != nil {
				b.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to stop running batch task")
			}
		}
	}

	b.logger.Info().
		Str("batch_id", batchID).
		Int("cancelled", result.CancelledCount).
		Int("terminated", result.TerminatedCount).
		Msg("Batch stopped")
	return result, nil
}

func (b *BatchOrchestrator) reportSummary(ctx context.Context, batchID string) {
	summary, err := b.store.GetBatchSummary(ctx, batchID)
	if err != nil {
		b.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to load batch summary")
		return
	}
	b.logger.Info().
		Str("batch_id", batchID).
		Int("total", summary.Total).
		Int("success", summary.Success).
		Int("failed", summary.Failed).
		Int("cancelled", summary.Cancelled).
		Int("timeout", summary.Timeout).
		Msg("Batch execution finished")
	if b.events != nil {
		_ = b.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventBatchFinished,
			Payload: summary,
		})
	}
}
