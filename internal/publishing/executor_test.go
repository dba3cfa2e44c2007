package publishing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/models"
)

const testPlatform = "example"

func testExecutorOptions() *ExecutorOptions {
	return &ExecutorOptions{
		SettleDelay:       time.Millisecond,
		CookieSettleDelay: time.Millisecond,
	}
}

func newTestExecutor(store *fakeStore, adapter *fakeAdapter) (*TaskExecutor, *fakeBrowser) {
	browser := &fakeBrowser{}
	exec := NewTaskExecutor(store, &fakeRegistry{adapter: adapter}, browser, nil, arbor.NewLogger(), testExecutorOptions())
	return exec, browser
}

func cookieAccount(id string) *models.Account {
	return &models.Account{
		ID:         id,
		PlatformID: testPlatform,
		Credentials: models.Credentials{
			Cookies: []models.Cookie{{Name: "session", Value: "abc", Domain: ".example.test"}},
		},
	}
}

func pendingTask(id, accountID string, maxRetries int) *models.Task {
	return &models.Task{
		ID:           id,
		Status:       models.TaskStatusPending,
		MaxRetries:   maxRetries,
		ArticleID:    "article-" + id,
		ArticleTitle: "Title " + id,
		AccountID:    accountID,
		PlatformID:   testPlatform,
		CreatedAt:    time.Now(),
	}
}

func TestExecuteTask_Success(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 2))

	adapter := newFakeAdapter(testPlatform)
	exec, browser := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusSuccess, store.taskStatus("t1"))
	assert.Equal(t, 0, store.taskRetries("t1"))
	assert.True(t, store.online["acct1"], "successful cookie login should mark account online")
	assert.Equal(t, []string{"t1"}, adapter.publishedOrder())

	browser.mu.Lock()
	defer browser.mu.Unlock()
	assert.Equal(t, 1, browser.launches)
	assert.Equal(t, 1, browser.closes, "browser must be cleaned up after the task")
}

func TestExecuteTask_FailureQueuesRetry(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 5))

	adapter := newFakeAdapter(testPlatform)
	adapter.publishFn = func(call int, task *models.Task) error {
		return errors.New("editor did not load")
	}
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)

	assert.Equal(t, models.TaskStatusPending, store.taskStatus("t1"))
	assert.Equal(t, 1, store.taskRetries("t1"))
	assert.Contains(t, store.taskMessage("t1"), "will retry (1/5)")
}

func TestExecuteTask_RetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 0))

	adapter := newFakeAdapter(testPlatform)
	adapter.publishFn = func(call int, task *models.Task) error {
		return errors.New("editor did not load")
	}
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)

	assert.Equal(t, models.TaskStatusFailed, store.taskStatus("t1"))
	assert.Equal(t, 1, store.taskRetries("t1"))
	assert.Contains(t, store.taskMessage("t1"), "retries exhausted")
}

func TestExecuteTask_TimeoutExhaustionEndsAsTimeout(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 0))

	adapter := newFakeAdapter(testPlatform)
	adapter.publishFn = func(call int, task *models.Task) error {
		return &TimeoutError{TaskID: task.ID, Timeout: time.Minute}
	}
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	assert.Equal(t, models.TaskStatusTimeout, store.taskStatus("t1"),
		"exhausting retries on a timeout must terminate as timeout, not failed")
}

func TestExecuteTask_DeadlineForceClosesBrowser(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	task := pendingTask("t1", "acct1", 0)
	task.Config = `{"timeout_minutes": 1}`
	store.putTask(task)

	adapter := newFakeAdapter(testPlatform)
	adapter.publishFn = func(call int, task *models.Task) error {
		// Hold the publish well past the shrunken deadline
		time.Sleep(150 * time.Millisecond)
		return nil
	}
	opts := testExecutorOptions()
	opts.TimeoutUnit = 30 * time.Millisecond
	browser := &fakeBrowser{}
	exec := NewTaskExecutor(store, &fakeRegistry{adapter: adapter}, browser, nil, arbor.NewLogger(), opts)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	assert.Equal(t, models.TaskStatusTimeout, store.taskStatus("t1"))
	assert.GreaterOrEqual(t, browser.forceCloseCount(), 1,
		"the deadline must tear the browser down so the blocked publish unwinds")
}

func TestExecuteTask_CancellationSkipsRetryCount(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 3))

	adapter := newFakeAdapter(testPlatform)
	exec, _ := newTestExecutor(store, adapter)

	adapter.publishFn = func(call int, task *models.Task) error {
		// Simulate a user stop landing mid-publish; the next cooperative
		// checkpoint observes the flag
		exec.Cancel(task.ID)
		return errors.New("interrupted")
	}

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	assert.Equal(t, models.TaskStatusCancelled, store.taskStatus("t1"))
	assert.Equal(t, 0, store.taskRetries("t1"), "cancellation must not consume a retry")
}

func TestExecuteTask_AdapterNotFound(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 0))

	exec, _ := newTestExecutor(store, nil)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsAdapterNotFound(err))
	assert.Equal(t, models.TaskStatusFailed, store.taskStatus("t1"))
}

func TestExecuteTask_CookieLoginRejectedFlagsAccountOffline(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 0))

	adapter := newFakeAdapter(testPlatform)
	adapter.verifyFn = func(call int) (bool, error) {
		return false, nil
	}
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsAccountOffline(err))

	assert.False(t, store.online["acct1"])
	assert.NotEmpty(t, store.reasons["acct1"])
	assert.Equal(t, 2, adapter.verifyCalls, "login verification retries once before giving up")
	assert.Equal(t, 0, adapter.publishCalls)
}

func TestExecuteTask_FormLoginWithoutCookies(t *testing.T) {
	store := newFakeStore()
	account := &models.Account{
		ID:         "acct1",
		PlatformID: testPlatform,
		Credentials: models.Credentials{
			Username: "writer",
			Password: "secret",
		},
	}
	store.putAccount(account)
	store.putTask(pendingTask("t1", "acct1", 1))

	adapter := newFakeAdapter(testPlatform)
	adapter.loginFn = func(call int) error {
		if call == 1 {
			return errors.New("captcha mismatch")
		}
		return nil
	}
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusSuccess, store.taskStatus("t1"))
	assert.Equal(t, 2, adapter.loginCalls)
	assert.Equal(t, 0, adapter.verifyCalls, "no cookies means no cookie verification")
	assert.True(t, store.online["acct1"])
}

func TestExecuteTask_CookieRejectionNeverFallsBackToFormLogin(t *testing.T) {
	store := newFakeStore()
	account := cookieAccount("acct1")
	account.Credentials.Username = "writer"
	account.Credentials.Password = "secret"
	store.putAccount(account)
	store.putTask(pendingTask("t1", "acct1", 0))

	adapter := newFakeAdapter(testPlatform)
	adapter.verifyFn = func(call int) (bool, error) { return false, nil }
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsAccountOffline(err))

	assert.Equal(t, 0, adapter.loginCalls, "stale cookies are terminal, form login must not run")
	assert.False(t, store.online["acct1"])
	assert.Equal(t, "stored cookies no longer valid", store.reasons["acct1"])
}

func TestExecuteTask_StopDuringPublishEndsCancelled(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 3))

	adapter := newFakeAdapter(testPlatform)
	exec, _ := newTestExecutor(store, adapter)

	adapter.publishFn = func(call int, task *models.Task) error {
		// A stop lands mid-publish: the flag is set and the force-closed
		// browser surfaces as a termination error
		exec.Cancel(task.ID)
		return errors.New("chrome error: target closed")
	}

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	assert.Equal(t, models.TaskStatusCancelled, store.taskStatus("t1"))
	assert.Equal(t, 0, store.taskRetries("t1"), "cancellation must not consume a retry")
	assert.True(t, store.online["acct1"], "a stopped task must not flag the account offline")
	assert.Empty(t, store.reasons["acct1"])
}

func TestExecuteTask_BrowserGoneFlagsAccountOffline(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 3))

	adapter := newFakeAdapter(testPlatform)
	adapter.publishFn = func(call int, task *models.Task) error {
		return errors.New("chrome failed: target closed")
	}
	exec, _ := newTestExecutor(store, adapter)

	err := exec.ExecuteTask(context.Background(), "t1")
	require.Error(t, err)

	assert.Equal(t, 1, adapter.publishCalls, "a dead browser must not be retried in-process")
	assert.False(t, store.online["acct1"])
	assert.Equal(t, "browser session unexpectedly closed", store.reasons["acct1"])
	assert.Equal(t, models.TaskStatusPending, store.taskStatus("t1"))
	assert.Equal(t, 1, store.taskRetries("t1"))
}

func TestStopTask_ForceClosesBrowser(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 3))

	adapter := newFakeAdapter(testPlatform)
	exec, browser := newTestExecutor(store, adapter)

	err := exec.StopTask(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCancelled, store.taskStatus("t1"))
	assert.Equal(t, 1, browser.forceCloseCount())
}

func TestStopTask_TerminalTaskIsUntouched(t *testing.T) {
	store := newFakeStore()
	task := pendingTask("t1", "acct1", 0)
	task.Status = models.TaskStatusSuccess
	store.putTask(task)
	store.putAccount(cookieAccount("acct1"))

	adapter := newFakeAdapter(testPlatform)
	exec, _ := newTestExecutor(store, adapter)

	err := exec.StopTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, store.taskStatus("t1"))
}

func TestExecuteTask_SerializesConcurrentCalls(t *testing.T) {
	store := newFakeStore()
	store.putAccount(cookieAccount("acct1"))
	store.putTask(pendingTask("t1", "acct1", 0))
	store.putTask(pendingTask("t2", "acct1", 0))

	adapter := newFakeAdapter(testPlatform)
	var inFlight, maxInFlight int
	var mu sync.Mutex
	adapter.publishFn = func(call int, task *models.Task) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	exec, _ := newTestExecutor(store, adapter)

	var wg sync.WaitGroup
	for _, id := range []string{"t1", "t2"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.ExecuteTask(context.Background(), id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight, "two tasks must never publish concurrently")
	assert.Equal(t, models.TaskStatusSuccess, store.taskStatus("t1"))
	assert.Equal(t, models.TaskStatusSuccess, store.taskStatus("t2"))
}
