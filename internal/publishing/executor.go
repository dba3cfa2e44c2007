// -----------------------------------------------------------------------
// Task Executor - runs one publish task end to end under the task lock
// -----------------------------------------------------------------------

package publishing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

const (
	// defaultSettleDelay gives the platform time to persist the article
	// before we declare success
	defaultSettleDelay = 4 * time.Second

	// cookieSettleDelay lets the page react to injected cookies before the
	// login check runs
	cookieSettleDelay = 2 * time.Second

	// timeoutWarnThreshold flags suspiciously long per-task timeouts
	timeoutWarnThreshold = 60
)

// ExecutorOptions tune delays that tests shorten to milliseconds.
// TimeoutUnit scales the per-task TimeoutMinutes value, one minute unless
// overridden.
type ExecutorOptions struct {
	SettleDelay       time.Duration
	CookieSettleDelay time.Duration
	TimeoutUnit       time.Duration
}

// TaskExecutor executes publish tasks one at a time. It owns the task-level
// lock: callers invoke ExecuteTask concurrently and the executor serializes
// them in FIFO order against the single browser instance.
type TaskExecutor struct {
	store    interfaces.TaskStore
	adapters interfaces.AdapterRegistry
	browser  interfaces.BrowserProvider
	events   interfaces.EventService
	logger   arbor.ILogger

	lock Lock

	mu        sync.Mutex
	cancelled map[string]struct{}

	settleDelay       time.Duration
	cookieSettleDelay time.Duration
	timeoutUnit       time.Duration
}

// NewTaskExecutor creates an executor over the given collaborators
func NewTaskExecutor(store interfaces.TaskStore, adapters interfaces.AdapterRegistry, browser interfaces.BrowserProvider, events interfaces.EventService, logger arbor.ILogger, opts *ExecutorOptions) *TaskExecutor {
	e := &TaskExecutor{
		store:             store,
		adapters:          adapters,
		browser:           browser,
		events:            events,
		logger:            logger,
		cancelled:         make(map[string]struct{}),
		settleDelay:       defaultSettleDelay,
		cookieSettleDelay: cookieSettleDelay,
		timeoutUnit:       time.Minute,
	}
	if opts != nil {
		if opts.SettleDelay > 0 {
			e.settleDelay = opts.SettleDelay
		}
		if opts.CookieSettleDelay > 0 {
			e.cookieSettleDelay = opts.CookieSettleDelay
		}
		if opts.TimeoutUnit > 0 {
			e.timeoutUnit = opts.TimeoutUnit
		}
	}
	return e
}

// Lock exposes the task-level lock for queue inspection
func (e *TaskExecutor) Lock() *Lock {
	return &e.lock
}

// Cancel marks a task for cooperative cancellation. The running task observes
// the flag at its next checkpoint; pending executions abort before starting.
func (e *TaskExecutor) Cancel(taskID string) {
	e.mu.Lock()
	e.cancelled[taskID] = struct{}{}
	e.mu.Unlock()
}

// ClearCancelled removes all cancellation flags
func (e *TaskExecutor) ClearCancelled() {
	e.mu.Lock()
	e.cancelled = make(map[string]struct{})
	e.mu.Unlock()
}

func (e *TaskExecutor) isCancelled(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancelled[taskID]
	return ok
}

func (e *TaskExecutor) checkCancelled(taskID string) error {
	if e.isCancelled(taskID) {
		return &CancelledError{TaskID: taskID}
	}
	return nil
}

// ExecuteTask runs the task to a terminal status or back to pending for a
// later retry. The returned error reflects the execution outcome; the task
// row always ends in a consistent state regardless.
func (e *TaskExecutor) ExecuteTask(ctx context.Context, taskID string) error {
	// A fresh execution starts with a clean cancellation slate
	e.mu.Lock()
	delete(e.cancelled, taskID)
	e.mu.Unlock()

	release, err := e.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire task lock: %w", err)
	}
	defer release()

	full, err := e.store.GetTaskFull(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	task := full.Task

	cfg, err := task.ParseConfig()
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Invalid task config, using defaults")
		cfg = models.TaskConfig{TimeoutMinutes: models.DefaultTimeoutMinutes}
	}
	if cfg.TimeoutMinutes > timeoutWarnThreshold {
		e.logger.Warn().Str("task_id", taskID).Int("timeout_minutes", cfg.TimeoutMinutes).Msg("Task timeout exceeds one hour")
	}

	// Correlated logs land on the task's own log trail
	taskLogger := e.logger.WithContextWriter(taskID)
	taskLogger.Info().
		Str("platform", task.PlatformID).
		Str("article", task.ArticleTitle).
		Int("retry_count", task.RetryCount).
		Msg("Starting task execution")

	if err := e.setStatus(ctx, task, models.TaskStatusRunning, "publishing started"); err != nil {
		return err
	}

	runErr := e.runWithTimeout(ctx, full, cfg)
	e.cleanup(taskID)

	if runErr != nil {
		return e.handleFailure(ctx, task, runErr)
	}

	if err := e.setStatus(ctx, task, models.TaskStatusSuccess, "published successfully"); err != nil {
		return err
	}
	taskLogger.Info().Msg("Task completed successfully")
	return nil
}

// runWithTimeout races the publish flow against the configured deadline. On
// timeout the browser is force-closed so the blocked flow unwinds.
func (e *TaskExecutor) runWithTimeout(ctx context.Context, full *interfaces.TaskFull, cfg models.TaskConfig) error {
	timeout := time.Duration(cfg.TimeoutMinutes) * e.timeoutUnit
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.performPublish(taskCtx, full, cfg)
	}()

	select {
	case err := <-done:
		if err != nil && taskCtx.Err() == context.DeadlineExceeded {
			return &TimeoutError{TaskID: full.Task.ID, Timeout: timeout}
		}
		return err
	case <-taskCtx.Done():
		e.browser.ForceClose()
		<-done
		if taskCtx.Err() == context.DeadlineExceeded {
			return &TimeoutError{TaskID: full.Task.ID, Timeout: timeout}
		}
		return taskCtx.Err()
	}
}

// performPublish is the happy path: resolve adapter, bring up the browser,
// authenticate, publish, settle. Cancellation is checked at each boundary
// where aborting leaves no partial platform state.
func (e *TaskExecutor) performPublish(ctx context.Context, full *interfaces.TaskFull, cfg models.TaskConfig) error {
	task := full.Task
	account := full.Account

	if err := e.checkCancelled(task.ID); err != nil {
		return err
	}

	adapter, ok := e.adapters.Get(task.PlatformID)
	if !ok {
		return &AdapterNotFoundError{PlatformID: task.PlatformID}
	}

	if err := e.browser.Launch(ctx, interfaces.BrowserLaunchOptions{Headless: cfg.IsHeadless()}); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	session, err := e.browser.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to open browser session: %w", err)
	}

	if err := e.authenticate(ctx, adapter, session, task, account); err != nil {
		return err
	}

	if err := e.checkCancelled(task.ID); err != nil {
		return err
	}

	e.appendLog(ctx, task.ID, "info", fmt.Sprintf("publishing %q to %s", task.ArticleTitle, task.PlatformID))

	if err := e.publishWithRetry(ctx, adapter, session, task); err != nil {
		return err
	}

	// Let the platform finish persisting before we report success
	if err := e.sleepCancellable(ctx, task.ID, e.settleDelay); err != nil {
		return err
	}

	return nil
}

// authenticate restores the stored cookie session when one exists, otherwise
// performs a form login. Rejected cookies always flag the account offline:
// they are known stale and retrying login with them cannot succeed, so the
// operator has to re-capture the session.
func (e *TaskExecutor) authenticate(ctx context.Context, adapter interfaces.PlatformAdapter, session interfaces.BrowserSession, task *models.Task, account *models.Account) error {
	creds := account.Credentials

	if creds.HasCookies() {
		if err := session.SetCookies(ctx, creds.Cookies); err != nil {
			return fmt.Errorf("failed to set cookies: %w", err)
		}
		if err := session.Navigate(ctx, adapter.PublishURL()); err != nil {
			if IsBrowserGone(err) {
				if cerr := e.checkCancelled(task.ID); cerr != nil {
					return cerr
				}
				return e.flagOffline(ctx, account, "browser closed during login")
			}
			return fmt.Errorf("failed to open publish page: %w", err)
		}
		if err := e.sleepCancellable(ctx, task.ID, e.cookieSettleDelay); err != nil {
			return err
		}

		// One retry: slow pages sometimes render the login marker late
		loggedIn, err := adapter.VerifyLogin(ctx, session)
		if err == nil && !loggedIn {
			if serr := e.sleepCancellable(ctx, task.ID, e.cookieSettleDelay); serr != nil {
				return serr
			}
			loggedIn, err = adapter.VerifyLogin(ctx, session)
		}
		if err != nil {
			if IsBrowserGone(err) {
				if cerr := e.checkCancelled(task.ID); cerr != nil {
					return cerr
				}
				return e.flagOffline(ctx, account, "browser closed during login check")
			}
			return fmt.Errorf("login verification failed: %w", err)
		}
		if loggedIn {
			if err := e.store.SetAccountOnlineStatus(ctx, account.ID, true, ""); err != nil {
				e.logger.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to record account online")
			}
			return nil
		}
		e.logger.Warn().Str("account_id", account.ID).Msg("Cookie login rejected, account needs re-authentication")
		return e.flagOffline(ctx, account, "stored cookies no longer valid")
	}

	if !creds.HasPassword() {
		return e.flagOffline(ctx, account, "no usable credentials")
	}

	if err := e.checkCancelled(task.ID); err != nil {
		return err
	}

	var lastErr error
	attempts := task.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := session.Navigate(ctx, adapter.LoginURL()); err != nil {
			lastErr = err
		} else if err := adapter.Login(ctx, session, creds); err != nil {
			lastErr = err
		} else {
			if err := e.store.SetAccountOnlineStatus(ctx, account.ID, true, ""); err != nil {
				e.logger.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to record account online")
			}
			return nil
		}
		if IsBrowserGone(lastErr) {
			if cerr := e.checkCancelled(task.ID); cerr != nil {
				return cerr
			}
			return e.flagOffline(ctx, account, "browser closed during form login")
		}
		e.logger.Warn().Err(lastErr).Str("account_id", account.ID).Int("attempt", i+1).Msg("Form login attempt failed")
	}
	return e.flagOffline(ctx, account, fmt.Sprintf("form login failed: %v", lastErr))
}

func (e *TaskExecutor) flagOffline(ctx context.Context, account *models.Account, reason string) error {
	if err := e.store.SetAccountOnlineStatus(ctx, account.ID, false, reason); err != nil {
		e.logger.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to record account offline")
	}
	return &AccountOfflineError{AccountID: account.ID, Reason: reason}
}

// publishWithRetry retries transient publish failures inside a single task
// execution. Typed failures abort immediately; only residual errors retry.
func (e *TaskExecutor) publishWithRetry(ctx context.Context, adapter interfaces.PlatformAdapter, session interfaces.BrowserSession, task *models.Task) error {
	attempts := task.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := e.checkCancelled(task.ID); err != nil {
			return err
		}
		err := adapter.Publish(ctx, session, task)
		if err == nil {
			return nil
		}
		if IsBrowserGone(err) {
			// A stop request force-closes the browser; the resulting
			// browser-gone error is the cancellation, not a session failure
			if cerr := e.checkCancelled(task.ID); cerr != nil {
				return cerr
			}
			return err
		}
		if IsCancelled(err) || IsAccountOffline(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		e.logger.Warn().Err(err).Str("task_id", task.ID).Int("attempt", i+1).Msg("Publish attempt failed")
	}
	return fmt.Errorf("publish failed after %d attempts: %w", attempts, lastErr)
}

// handleFailure classifies the error and routes the task to cancelled,
// pending (retry), timeout, or failed. Cancellation never touches the retry
// counter.
func (e *TaskExecutor) handleFailure(ctx context.Context, task *models.Task, runErr error) error {
	taskID := task.ID

	// A stop request wins over whatever error the teardown produced
	if IsCancelled(runErr) || e.isCancelled(taskID) {
		e.logger.Info().Str("task_id", taskID).Msg("Task cancelled by user")
		if err := e.setStatus(ctx, task, models.TaskStatusCancelled, "task cancelled by user"); err != nil {
			return err
		}
		return runErr
	}

	if IsBrowserGone(runErr) && !IsAccountOffline(runErr) && !IsTimeout(runErr) {
		// The browser vanishing mid-run is indistinguishable from an expired
		// session; flag the account so the operator re-captures cookies.
		if err := e.store.SetAccountOnlineStatus(ctx, task.AccountID, false, "browser session unexpectedly closed"); err != nil {
			e.logger.Warn().Err(err).Str("account_id", task.AccountID).Msg("Failed to record account offline")
		}
	}

	if err := e.store.IncrementRetryCount(ctx, taskID); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to increment retry count")
	}

	current, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to reload task after failure")
		current = task
	}

	if current.RetryCount < current.MaxRetries {
		msg := fmt.Sprintf("will retry (%d/%d): %v", current.RetryCount, current.MaxRetries, runErr)
		e.logger.Warn().Str("task_id", taskID).Int("retry_count", current.RetryCount).Msg("Task failed, queued for retry")
		if err := e.setStatus(ctx, current, models.TaskStatusPending, msg); err != nil {
			return err
		}
		return runErr
	}

	terminal := models.TaskStatusFailed
	if IsTimeout(runErr) {
		terminal = models.TaskStatusTimeout
	}
	msg := fmt.Sprintf("retries exhausted: %v", runErr)
	e.logger.Error().Err(runErr).Str("task_id", taskID).Str("status", string(terminal)).Msg("Task failed permanently")
	if err := e.setStatus(ctx, current, terminal, msg); err != nil {
		return err
	}
	return runErr
}

// StopTask cancels a running or queued task and tears the browser down so a
// blocked publish unwinds immediately.
func (e *TaskExecutor) StopTask(ctx context.Context, taskID string) error {
	e.Cancel(taskID)
	e.browser.ForceClose()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		return nil
	}
	return e.setStatus(ctx, task, models.TaskStatusCancelled, "task cancelled by user")
}

// cleanup tears down the browser after a task, swallowing every error. A
// failed close falls back to killing the process; cleanup problems must never
// mask the task outcome.
func (e *TaskExecutor) cleanup(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.browser.Close(ctx); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Graceful browser close failed, forcing")
		e.browser.ForceClose()
	}
}

func (e *TaskExecutor) setStatus(ctx context.Context, task *models.Task, status models.TaskStatus, message string) error {
	if err := e.store.UpdateTaskStatus(ctx, task.ID, status, message); err != nil {
		return fmt.Errorf("failed to update task %s to %s: %w", task.ID, status, err)
	}
	e.appendLog(ctx, task.ID, levelForStatus(status), message)
	if e.events != nil {
		_ = e.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventTaskStatusChanged,
			Payload: map[string]interface{}{
				"task_id": task.ID,
				"status":  string(status),
				"message": message,
			},
		})
	}
	return nil
}

func (e *TaskExecutor) appendLog(ctx context.Context, taskID, level, message string) {
	if err := e.store.AppendTaskLog(ctx, models.NewTaskLogEntry(taskID, level, message)); err != nil {
		e.logger.Debug().Err(err).Str("task_id", taskID).Msg("Failed to append task log")
	}
	if e.events != nil {
		_ = e.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventTaskLogAppended,
			Payload: map[string]interface{}{
				"task_id": taskID,
				"level":   level,
				"message": message,
			},
		})
	}
}

// sleepCancellable waits for d in one-second slices, aborting on task
// cancellation or context done.
func (e *TaskExecutor) sleepCancellable(ctx context.Context, taskID string, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := e.checkCancelled(taskID); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := remaining
		if slice > time.Second {
			slice = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
		}
	}
}

func levelForStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusFailed, models.TaskStatusTimeout:
		return "error"
	case models.TaskStatusCancelled:
		return "warn"
	default:
		return "info"
	}
}
