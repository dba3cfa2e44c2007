// -----------------------------------------------------------------------
// Publish Scheduler - periodic discovery and dispatch of pending work
// -----------------------------------------------------------------------

package publishing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

const (
	// defaultDiscoverySchedule is how often pending work is looked for
	defaultDiscoverySchedule = "@every 30s"

	// defaultPageSize bounds how many pending tasks one tick considers
	defaultPageSize = 100

	// defaultStaleRunningAfter is the startup-sweep threshold for tasks left
	// in running state by a previous process
	defaultStaleRunningAfter = time.Minute
)

// AuthCheck reports whether the backing store is reachable and authenticated.
// When it returns false the scheduler idles instead of erroring every tick.
type AuthCheck func(ctx context.Context) bool

// SchedulerOptions tune discovery behavior
type SchedulerOptions struct {
	DiscoverySchedule string
	PageSize          int
	StaleRunningAfter time.Duration
	AuthCheck         AuthCheck
}

// Scheduler discovers pending publish work and dispatches it through the
// batch orchestrator and task executor. All state is instance-scoped; two
// schedulers over the same store would fight, so the application creates
// exactly one.
type Scheduler struct {
	store    interfaces.TaskStore
	executor *TaskExecutor
	batch    *BatchOrchestrator
	events   interfaces.EventService
	logger   arbor.ILogger
	cron     *cron.Cron

	mu            sync.Mutex
	running       bool
	singleRunning bool
	authOK        bool

	schedule   string
	pageSize   int
	staleAfter time.Duration
	authCheck  AuthCheck
}

// NewScheduler creates a scheduler over the given orchestration components
func NewScheduler(store interfaces.TaskStore, executor *TaskExecutor, batch *BatchOrchestrator, events interfaces.EventService, logger arbor.ILogger, opts *SchedulerOptions) *Scheduler {
	s := &Scheduler{
		store:      store,
		executor:   executor,
		batch:      batch,
		events:     events,
		logger:     logger,
		cron:       cron.New(),
		authOK:     true,
		schedule:   defaultDiscoverySchedule,
		pageSize:   defaultPageSize,
		staleAfter: defaultStaleRunningAfter,
	}
	if opts != nil {
		if opts.DiscoverySchedule != "" {
			s.schedule = opts.DiscoverySchedule
		}
		if opts.PageSize > 0 {
			s.pageSize = opts.PageSize
		}
		if opts.StaleRunningAfter > 0 {
			s.staleAfter = opts.StaleRunningAfter
		}
		s.authCheck = opts.AuthCheck
	}
	return s
}

// Start sweeps stale state from a previous run and begins periodic discovery
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.sweepStaleRunning(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Stale running-task sweep failed")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.discoveryTick); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to register discovery job: %w", err)
	}
	s.cron.Start()

	s.logger.Info().Str("schedule", s.schedule).Msg("Publish scheduler started")
	return nil
}

// Stop halts discovery. In-flight task execution is not interrupted; use
// StopTask/StopBatch for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Publish scheduler stopped")
}

// IsRunning returns true while discovery is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// discoveryTick is one scheduling pass: health-check, demote overrun tasks,
// repair drifted state, then dispatch the most overdue work.
func (s *Scheduler) discoveryTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("PANIC RECOVERED in discovery tick")
		}
	}()

	ctx := context.Background()

	if s.authCheck != nil {
		ok := s.authCheck(ctx)
		s.mu.Lock()
		changed := ok != s.authOK
		s.authOK = ok
		s.mu.Unlock()
		if changed {
			if ok {
				s.logger.Info().Msg("Store reachable again, resuming discovery")
			} else {
				s.logger.Warn().Msg("Store unreachable, pausing discovery")
			}
		}
		if !ok {
			return
		}
	}

	s.detectOverrunTasks(ctx)
	s.autoCleanup(ctx)

	if s.batch.IsExecuting() {
		return
	}

	pending, err := s.store.ListTasks(ctx, interfaces.TaskFilter{Status: models.TaskStatusPending, PageSize: s.pageSize})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending tasks")
		return
	}
	if len(pending) == 0 {
		return
	}

	if batchID := s.pickOldestBatch(pending); batchID != "" {
		s.logger.Info().Str("batch_id", batchID).Msg("Dispatching discovered batch")
		go s.runBatch(ctx, batchID)
		return
	}

	s.dispatchSingle(ctx, pending)
}

// pickOldestBatch groups pending tasks by batch and returns the batch whose
// earliest task is oldest, or "" when no pending task belongs to a batch.
func (s *Scheduler) pickOldestBatch(pending []*models.Task) string {
	oldest := make(map[string]time.Time)
	for _, task := range pending {
		if task.BatchID == "" {
			continue
		}
		if t, ok := oldest[task.BatchID]; !ok || task.CreatedAt.Before(t) {
			oldest[task.BatchID] = task.CreatedAt
		}
	}

	var batchID string
	var batchAt time.Time
	for id, at := range oldest {
		if batchID == "" || at.Before(batchAt) {
			batchID = id
			batchAt = at
		}
	}
	return batchID
}

// dispatchSingle runs the oldest eligible batchless task in the background
func (s *Scheduler) dispatchSingle(ctx context.Context, pending []*models.Task) {
	s.mu.Lock()
	if s.singleRunning {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	now := time.Now()
	var next *models.Task
	for _, task := range pending {
		if task.BatchID != "" {
			continue
		}
		if !task.ScheduledAt.IsZero() && task.ScheduledAt.After(now) {
			continue
		}
		if next == nil || task.CreatedAt.Before(next.CreatedAt) {
			next = task
		}
	}
	if next == nil {
		return
	}

	s.mu.Lock()
	s.singleRunning = true
	s.mu.Unlock()

	s.logger.Info().Str("task_id", next.ID).Msg("Dispatching discovered task")
	go func(taskID string) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Str("task_id", taskID).Msg("PANIC RECOVERED in task dispatch")
			}
			s.mu.Lock()
			s.singleRunning = false
			s.mu.Unlock()
			s.publishQueueStatus(ctx)
		}()
		if err := s.executor.ExecuteTask(ctx, taskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Dispatched task finished with error")
		}
	}(next.ID)
}

func (s *Scheduler) runBatch(ctx context.Context, batchID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Str("batch_id", batchID).Msg("PANIC RECOVERED in batch dispatch")
		}
		s.publishQueueStatus(ctx)
	}()
	if err := s.batch.ExecuteBatch(ctx, batchID); err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("Batch execution failed")
	}
}

// detectOverrunTasks demotes running tasks that have outlived their timeout
// budget. This is the safety net for processes that died mid-task; a live
// executor enforces the same deadline in-process.
func (s *Scheduler) detectOverrunTasks(ctx context.Context) {
	running, err := s.store.ListTasks(ctx, interfaces.TaskFilter{Status: models.TaskStatusRunning})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list running tasks")
		return
	}

	for _, task := range running {
		if task.StartedAt == nil {
			continue
		}
		cfg, err := task.ParseConfig()
		if err != nil {
			cfg = models.TaskConfig{TimeoutMinutes: models.DefaultTimeoutMinutes}
		}
		elapsed := time.Since(*task.StartedAt)
		if elapsed <= cfg.Timeout() {
			continue
		}

		s.logger.Warn().
			Str("task_id", task.ID).
			Str("elapsed", elapsed.Round(time.Second).String()).
			Int("timeout_minutes", cfg.TimeoutMinutes).
			Msg("Running task exceeded its timeout")

		if err := s.store.IncrementRetryCount(ctx, task.ID); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to increment retry count")
			continue
		}
		current, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to reload overrun task")
			continue
		}
		if current.RetryCount < current.MaxRetries {
			msg := fmt.Sprintf("timed out, will retry (%d/%d)", current.RetryCount, current.MaxRetries)
			if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, msg); err != nil {
				s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to requeue overrun task")
			}
			continue
		}
		msg := fmt.Sprintf("timed out after %s, retries exhausted", elapsed.Round(time.Second))
		if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusTimeout, msg); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to terminate overrun task")
		}
	}
}

// autoCleanup repairs drift between in-memory execution state and the store:
// memory says a batch is executing, the store shows nothing runnable.
func (s *Scheduler) autoCleanup(ctx context.Context) {
	if !s.batch.IsExecuting() {
		return
	}
	running, err := s.store.ListTasks(ctx, interfaces.TaskFilter{Status: models.TaskStatusRunning, PageSize: 1})
	if err != nil {
		return
	}
	pending, err := s.store.ListTasks(ctx, interfaces.TaskFilter{Status: models.TaskStatusPending, PageSize: 1})
	if err != nil {
		return
	}
	if len(running) == 0 && len(pending) == 0 {
		s.logger.Warn().Msg("Execution state drifted from store, forcing cleanup")
		s.ForceCleanup(ctx)
	}
}

// sweepStaleRunning handles tasks a previous process left in running state.
// Tasks with retry budget left go back to pending; the rest are failed.
func (s *Scheduler) sweepStaleRunning(ctx context.Context) error {
	running, err := s.store.ListTasks(ctx, interfaces.TaskFilter{Status: models.TaskStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	if len(running) == 0 {
		return nil
	}

	s.logger.Info().Int("count", len(running)).Msg("Sweeping tasks left running by previous run")

	for _, task := range running {
		if task.StartedAt != nil && time.Since(*task.StartedAt) < s.staleAfter {
			continue
		}
		if task.RetryCount < task.MaxRetries {
			if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, "service restarted while task was running, requeued"); err != nil {
				s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to requeue stale task")
			}
			continue
		}
		if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, "service restarted while task was running"); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to fail stale task")
		}
	}
	return nil
}

// ensureStarted restores discovery when a manual operation arrives before (or
// after) the subsystem was started. Manual calls never fail on a stopped
// scheduler; they bring it up as a side effect.
func (s *Scheduler) ensureStarted(ctx context.Context) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return
	}
	if err := s.Start(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to start scheduler from manual operation")
	}
}

// ExecuteTask manually runs one task, bypassing discovery but not the locks.
// Refused while a batch is executing: the batch owns the browser until it
// finishes.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string) error {
	s.ensureStarted(ctx)
	if s.batch.IsExecuting() {
		return fmt.Errorf("a batch is currently executing, task %s cannot run until it finishes", taskID)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("task %s is %s, only pending tasks can be executed", taskID, task.Status)
	}
	defer s.publishQueueStatus(ctx)
	return s.executor.ExecuteTask(ctx, taskID)
}

// ExecuteBatch manually runs one batch, bypassing discovery but not the locks
func (s *Scheduler) ExecuteBatch(ctx context.Context, batchID string) error {
	s.ensureStarted(ctx)
	s.autoCleanup(ctx)
	defer s.publishQueueStatus(ctx)
	return s.batch.ExecuteBatch(ctx, batchID)
}

// StopTask cancels one task
func (s *Scheduler) StopTask(ctx context.Context, taskID string) error {
	s.ensureStarted(ctx)
	defer s.publishQueueStatus(ctx)
	return s.executor.StopTask(ctx, taskID)
}

// StopBatch stops a batch and reports what was cancelled and terminated
func (s *Scheduler) StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error) {
	s.ensureStarted(ctx)
	defer s.publishQueueStatus(ctx)
	return s.batch.StopBatch(ctx, batchID)
}

// GetStatus snapshots the execution queue
func (s *Scheduler) GetStatus(ctx context.Context) models.QueueStatus {
	s.mu.Lock()
	single := s.singleRunning
	s.mu.Unlock()

	status := models.QueueStatus{
		IsRunning:         single || s.batch.IsExecuting() || s.executor.Lock().IsLocked(),
		ExecutingBatchIDs: s.batch.ActiveBatchIDs(),
	}
	if pending, err := s.store.ListTasks(ctx, interfaces.TaskFilter{Status: models.TaskStatusPending, PageSize: s.pageSize}); err == nil {
		status.PendingTasks = len(pending)
	}
	return status
}

// ForceCleanup clears all transient execution state. Idempotent; safe to call
// whether or not anything is executing.
func (s *Scheduler) ForceCleanup(ctx context.Context) {
	s.executor.ClearCancelled()
	s.batch.ForceCleanup()
	s.mu.Lock()
	s.singleRunning = false
	s.mu.Unlock()
	s.logger.Info().Msg("Scheduler state force-cleaned")
	s.publishQueueStatus(ctx)
}

func (s *Scheduler) publishQueueStatus(ctx context.Context) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventQueueStatus,
		Payload: s.GetStatus(ctx),
	})
}
