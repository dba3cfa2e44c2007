package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/adapters"
	"github.com/ternarybob/promulgo/internal/common"
	"github.com/ternarybob/promulgo/internal/models"
	"github.com/ternarybob/promulgo/internal/publishing"
	badgerstore "github.com/ternarybob/promulgo/internal/store/badger"
)

func newTestHandlers(t *testing.T) (*TaskHandler, *BatchHandler, *QueueHandler, *badgerstore.TaskStore) {
	t.Helper()

	logger := arbor.NewLogger()
	db, err := badgerstore.NewDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "data"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := badgerstore.NewTaskStore(db, logger)
	executor := publishing.NewTaskExecutor(store, adapters.NewRegistry(), nil, nil, logger, nil)
	batch := publishing.NewBatchOrchestrator(store, executor, nil, logger, nil)
	scheduler := publishing.NewScheduler(store, executor, batch, nil, logger, nil)

	return NewTaskHandler(store, scheduler, logger),
		NewBatchHandler(store, scheduler, logger),
		NewQueueHandler(scheduler, logger),
		store
}

func createTaskRequest(t *testing.T, h *TaskHandler, req CreateTaskRequest) *models.Task {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/publishing/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.TasksHandler(w, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	return &task
}

func validCreateRequest() CreateTaskRequest {
	return CreateTaskRequest{
		ArticleID:      "article-1",
		ArticleTitle:   "Title",
		ArticleContent: "Body",
		AccountID:      "acc-1",
		PlatformID:     "example",
		MaxRetries:     3,
	}
}

func TestTaskHandler_CreateAndGet(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)

	task := createTaskRequest(t, h, validCreateRequest())
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/tasks/"+task.ID, nil)
	w := httptest.NewRecorder()
	h.TaskRoutes(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.ID, got.ID)
}

func TestTaskHandler_CreateRejectsMissingFields(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)

	req := validCreateRequest()
	req.AccountID = ""
	body, _ := json.Marshal(req)

	r := httptest.NewRequest(http.MethodPost, "/api/publishing/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.TasksHandler(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_ListFiltersByStatus(t *testing.T) {
	h, _, _, store := newTestHandlers(t)

	first := createTaskRequest(t, h, validCreateRequest())
	createTaskRequest(t, h, validCreateRequest())

	require.NoError(t, store.UpdateTaskStatus(context.Background(), first.ID, models.TaskStatusSuccess, ""))

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/tasks?status=pending", nil)
	w := httptest.NewRecorder()
	h.TasksHandler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []*models.Task `json:"tasks"`
		Total int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
}

func TestTaskHandler_GetUnknownTaskReturns404(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/tasks/missing", nil)
	w := httptest.NewRecorder()
	h.TaskRoutes(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskHandler_DeleteRunningTaskConflicts(t *testing.T) {
	h, _, _, store := newTestHandlers(t)

	task := createTaskRequest(t, h, validCreateRequest())
	require.NoError(t, store.UpdateTaskStatus(context.Background(), task.ID, models.TaskStatusRunning, ""))

	r := httptest.NewRequest(http.MethodDelete, "/api/publishing/tasks/"+task.ID, nil)
	w := httptest.NewRecorder()
	h.TaskRoutes(w, r)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskHandler_ExecuteNonPendingConflicts(t *testing.T) {
	h, _, _, store := newTestHandlers(t)

	task := createTaskRequest(t, h, validCreateRequest())
	require.NoError(t, store.UpdateTaskStatus(context.Background(), task.ID, models.TaskStatusSuccess, ""))

	r := httptest.NewRequest(http.MethodPost, "/api/publishing/tasks/"+task.ID+"/execute", nil)
	w := httptest.NewRecorder()
	h.TaskRoutes(w, r)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskHandler_TaskLogs(t *testing.T) {
	h, _, _, store := newTestHandlers(t)

	task := createTaskRequest(t, h, validCreateRequest())
	require.NoError(t, store.AppendTaskLog(context.Background(), models.NewTaskLogEntry(task.ID, "info", "task started")))

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/tasks/"+task.ID+"/logs", nil)
	w := httptest.NewRecorder()
	h.TaskRoutes(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs  []*models.TaskLogEntry `json:"logs"`
		Total int                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "task started", resp.Logs[0].Message)
}

func TestBatchHandler_SummaryAndStop(t *testing.T) {
	h, bh, _, _ := newTestHandlers(t)

	for i := 0; i < 3; i++ {
		req := validCreateRequest()
		req.BatchID = "batch-1"
		req.BatchOrder = i
		createTaskRequest(t, h, req)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/batches/batch-1", nil)
	w := httptest.NewRecorder()
	bh.BatchRoutes(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var summary models.BatchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Pending)

	r = httptest.NewRequest(http.MethodPost, "/api/publishing/batches/batch-1/stop", nil)
	w = httptest.NewRecorder()
	bh.BatchRoutes(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var result models.StopBatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 3, result.CancelledCount)
}

func TestBatchHandler_UnknownBatchReturns404(t *testing.T) {
	_, bh, _, _ := newTestHandlers(t)

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/batches/missing", nil)
	w := httptest.NewRecorder()
	bh.BatchRoutes(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueHandler_Status(t *testing.T) {
	h, _, qh, _ := newTestHandlers(t)

	createTaskRequest(t, h, validCreateRequest())

	r := httptest.NewRequest(http.MethodGet, "/api/publishing/queue/status", nil)
	w := httptest.NewRecorder()
	qh.StatusHandler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var status models.QueueStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.IsRunning)
	assert.Equal(t, 1, status.PendingTasks)
}

func TestQueueHandler_Cleanup(t *testing.T) {
	_, _, qh, _ := newTestHandlers(t)

	r := httptest.NewRequest(http.MethodPost, "/api/publishing/queue/cleanup", nil)
	w := httptest.NewRecorder()
	qh.CleanupHandler(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/publishing/queue/cleanup", nil)
	w = httptest.NewRecorder()
	qh.CleanupHandler(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

