package tasklogs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
	"github.com/ternarybob/promulgo/internal/services/events"
)

// recordingStore captures appended log entries and stubs the rest of the
// task store surface
type recordingStore struct {
	mu      sync.Mutex
	entries []*models.TaskLogEntry
}

func (s *recordingStore) AppendTaskLog(ctx context.Context, entry *models.TaskLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingStore) appended() []*models.TaskLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TaskLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *recordingStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return nil, nil
}

func (s *recordingStore) GetTaskFull(ctx context.Context, taskID string) (*interfaces.TaskFull, error) {
	return nil, nil
}

func (s *recordingStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, message string) error {
	return nil
}

func (s *recordingStore) IncrementRetryCount(ctx context.Context, taskID string) error {
	return nil
}

func (s *recordingStore) ListTasks(ctx context.Context, filter interfaces.TaskFilter) ([]*models.Task, error) {
	return nil, nil
}

func (s *recordingStore) GetBatchSummary(ctx context.Context, batchID string) (*models.BatchSummary, error) {
	return nil, nil
}

func (s *recordingStore) StopBatch(ctx context.Context, batchID string) (*models.StopBatchResult, error) {
	return nil, nil
}

func (s *recordingStore) SetAccountOnlineStatus(ctx context.Context, accountID string, online bool, reason string) error {
	return nil
}

func logEvent(taskID string, level log.Level, message string) arbormodels.LogEvent {
	return arbormodels.LogEvent{
		CorrelationID: taskID,
		Level:         level,
		Message:       message,
		Timestamp:     time.Now(),
	}
}

func TestConsumer_PersistsCorrelatedLogs(t *testing.T) {
	store := &recordingStore{}
	consumer := NewConsumer(store, nil, arbor.NewLogger(), "info")
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	consumer.GetChannel() <- []arbormodels.LogEvent{
		logEvent("task-1", log.InfoLevel, "navigating to publish page"),
		logEvent("task-1", log.ErrorLevel, "selector not found"),
	}

	require.Eventually(t, func() bool {
		return len(store.appended()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries := store.appended()
	assert.Equal(t, "task-1", entries[0].TaskID)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "navigating to publish page", entries[0].Message)
	assert.Equal(t, "error", entries[1].Level)
}

func TestConsumer_SkipsUncorrelatedLogs(t *testing.T) {
	store := &recordingStore{}
	consumer := NewConsumer(store, nil, arbor.NewLogger(), "info")
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	consumer.GetChannel() <- []arbormodels.LogEvent{
		logEvent("", log.InfoLevel, "system log without a task"),
		logEvent("task-2", log.InfoLevel, "task log"),
	}

	require.Eventually(t, func() bool {
		return len(store.appended()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "task-2", store.appended()[0].TaskID)
}

func TestConsumer_PublishesAboveThreshold(t *testing.T) {
	store := &recordingStore{}
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	var mu sync.Mutex
	var published []*models.TaskLogEntry
	err := eventService.Subscribe(interfaces.EventTaskLogAppended, func(ctx context.Context, event interfaces.Event) error {
		if entry, ok := event.Payload.(*models.TaskLogEntry); ok {
			mu.Lock()
			published = append(published, entry)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	consumer := NewConsumer(store, eventService, arbor.NewLogger(), "warn")
	require.NoError(t, consumer.Start())
	defer consumer.Stop()

	consumer.GetChannel() <- []arbormodels.LogEvent{
		logEvent("task-3", log.DebugLevel, "below threshold"),
		logEvent("task-3", log.InfoLevel, "also below threshold"),
		logEvent("task-3", log.ErrorLevel, "login check failed"),
	}

	// All three persist, only the error is republished
	require.Eventually(t, func() bool {
		return len(store.appended()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "login check failed", published[0].Message)
	assert.Equal(t, "error", published[0].Level)
}
