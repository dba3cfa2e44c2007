package publishing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

// fakeStore is an in-memory TaskStore for exercising the orchestration core
type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	accounts  map[string]*models.Account
	logs      []*models.TaskLogEntry
	online    map[string]bool
	reasons   map[string]string
	listCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*models.Task),
		accounts: make(map[string]*models.Account),
		online:   make(map[string]bool),
		reasons:  make(map[string]string),
	}
}

func (s *fakeStore) putTask(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *fakeStore) putAccount(a *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

func (s *fakeStore) taskStatus(id string) models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Status
	}
	return ""
}

func (s *fakeStore) taskRetries(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.RetryCount
	}
	return -1
}

func (s *fakeStore) taskMessage(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.ErrorMessage
	}
	return ""
}

func (s *fakeStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) GetTaskFull(ctx context.Context, taskID string) (*interfaces.TaskFull, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	a, ok := s.accounts[t.AccountID]
	if !ok {
		return nil, fmt.Errorf("account %s not found", t.AccountID)
	}
	tc, ac := *t, *a
	return &interfaces.TaskFull{Task: &tc, Account: &ac}, nil
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = status
	t.ErrorMessage = message
	now := time.Now()
	switch {
	case status == models.TaskStatusRunning:
		t.StartedAt = &now
		t.CompletedAt = nil
	case status.IsTerminal():
		t.CompletedAt = &now
	case status == models.TaskStatusPending:
		t.CompletedAt = nil
	}
	return nil
}

func (s *fakeStore) IncrementRetryCount(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.RetryCount++
	return nil
}

func (s *fakeStore) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []*models.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && t.BatchID != filter.BatchID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.PageSize > 0 && len(out) > filter.PageSize {
		out = out[:filter.PageSize]
	}
	return out, nil
}

func (s *fakeStore) GetBatchSummary(ctx context.Context, batchID string) (*models.BatchSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := &models.BatchSummary{BatchID: batchID}
	for _, t := range s.tasks {
		if t.BatchID != batchID {
			continue
		}
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

func (s *fakeStore) StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := &models.StopBatchResult{}
	now := time.Now()
	for _, t := range s.tasks {
		if t.BatchID != batchID {
			continue
		}
		switch t.Status {
		case models.TaskStatusPending:
			t.Status = models.TaskStatusCancelled
			t.ErrorMessage = "batch stopped"
			t.CompletedAt = &now
			result.CancelledCount++
		case models.TaskStatusRunning:
			result.TerminatedCount++
		}
	}
	return result, nil
}

func (s *fakeStore) SetAccountOnlineStatus(ctx context.Context, accountID string, online bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[accountID] = online
	s.reasons[accountID] = reason
	return nil
}

func (s *fakeStore) AppendTaskLog(ctx context.Context, entry *models.TaskLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// fakeAdapter records publish calls and delegates behavior to hooks
type fakeAdapter struct {
	mu           sync.Mutex
	name         string
	verifyFn     func(call int) (bool, error)
	loginFn      func(call int) error
	publishFn    func(call int, task *models.Task) error
	verifyCalls  int
	loginCalls   int
	publishCalls int
	published    []string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name}
}

func (a *fakeAdapter) Name() string       { return a.name }
func (a *fakeAdapter) LoginURL() string   { return "https://example.test/login" }
func (a *fakeAdapter) PublishURL() string { return "https://example.test/publish" }

func (a *fakeAdapter) VerifyLogin(ctx context.Context, session interfaces.BrowserSession) (bool, error) {
	a.mu.Lock()
	a.verifyCalls++
	call := a.verifyCalls
	fn := a.verifyFn
	a.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return true, nil
}

func (a *fakeAdapter) Login(ctx context.Context, session interfaces.BrowserSession, creds models.Credentials) error {
	a.mu.Lock()
	a.loginCalls++
	call := a.loginCalls
	fn := a.loginFn
	a.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

func (a *fakeAdapter) Publish(ctx context.Context, session interfaces.BrowserSession, task *models.Task) error {
	a.mu.Lock()
	a.publishCalls++
	call := a.publishCalls
	a.published = append(a.published, task.ID)
	fn := a.publishFn
	a.mu.Unlock()
	if fn != nil {
		return fn(call, task)
	}
	return nil
}

func (a *fakeAdapter) publishedOrder() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.published...)
}

// fakeRegistry resolves a single adapter, or nothing when empty
type fakeRegistry struct {
	adapter *fakeAdapter
}

func (r *fakeRegistry) Get(platformID string) (interfaces.PlatformAdapter, bool) {
	if r.adapter == nil || r.adapter.name != platformID {
		return nil, false
	}
	return r.adapter, true
}

func (r *fakeRegistry) Register(adapter interfaces.PlatformAdapter) {}

func (r *fakeRegistry) Names() []string {
	if r.adapter == nil {
		return nil
	}
	return []string{r.adapter.name}
}

// fakeSession is an inert browser session
type fakeSession struct{}

func (s *fakeSession) Context() context.Context                                { return context.Background() }
func (s *fakeSession) Navigate(ctx context.Context, url string) error          { return nil }
func (s *fakeSession) SetCookies(ctx context.Context, c []models.Cookie) error { return nil }

// fakeBrowser counts lifecycle calls
type fakeBrowser struct {
	mu          sync.Mutex
	launches    int
	closes      int
	forceCloses int
}

func (b *fakeBrowser) Launch(ctx context.Context, opts interfaces.BrowserLaunchOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	return nil
}

func (b *fakeBrowser) NewSession(ctx context.Context) (interfaces.BrowserSession, error) {
	return &fakeSession{}, nil
}

func (b *fakeBrowser) CloseSession(ctx context.Context, session interfaces.BrowserSession) error {
	return nil
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *fakeBrowser) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forceCloses++
}

func (b *fakeBrowser) forceCloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forceCloses
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
