// -----------------------------------------------------------------------
// Task Log Consumer - drains arbor context logs into task log storage
// -----------------------------------------------------------------------

package tasklogs

import (
	"context"
	"strings"
	"sync"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

// Consumer consumes log batches from arbor's context channel and dispatches
// them to task log storage and the event bus. Loggers derived with
// WithContextWriter(taskID) feed this channel, so anything the executor logs
// during a run lands on the task's own log trail.
type Consumer struct {
	store         interfaces.TaskStore
	events        interfaces.EventService
	logger        arbor.ILogger
	channel       chan []arbormodels.LogEvent
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	minEventLevel arbor.LogLevel
}

// NewConsumer creates a task log consumer. minEventLevel is the lowest log
// level re-published to the event bus for live streaming.
func NewConsumer(store interfaces.TaskStore, events interfaces.EventService, logger arbor.ILogger, minEventLevel string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		store:         store,
		events:        events,
		logger:        logger,
		channel:       make(chan []arbormodels.LogEvent, 10),
		ctx:           ctx,
		cancel:        cancel,
		minEventLevel: parseLogLevel(minEventLevel),
	}
}

// parseLogLevel converts string log level to arbor.LogLevel
func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

// GetChannel returns the channel for arbor to send log batches to
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start begins consuming log batches in the background
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.process()
	return nil
}

// Stop shuts down the consumer and waits for in-flight batches to drain
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Consumer) process() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case batch, ok := <-c.channel:
			if !ok {
				return
			}
			c.dispatch(batch)
		}
	}
}

// dispatch persists each correlated event as a task log entry and republishes
// entries at or above the event threshold for live UI streaming
func (c *Consumer) dispatch(batch []arbormodels.LogEvent) {
	for _, event := range batch {
		// Logs without a correlation ID belong to no task
		taskID := event.CorrelationID
		if taskID == "" {
			continue
		}

		entry := models.NewTaskLogEntry(taskID, levelString(event.Level), event.Message)
		if !event.Timestamp.IsZero() {
			entry.CreatedAt = event.Timestamp
		}

		if err := c.store.AppendTaskLog(c.ctx, entry); err != nil {
			c.logger.Warn().
				Err(err).
				Str("task_id", taskID).
				Msg("Failed to persist task log entry")
		}

		if c.events != nil && c.shouldPublish(event.Level) {
			if err := c.events.Publish(c.ctx, interfaces.Event{
				Type:    interfaces.EventTaskLogAppended,
				Payload: entry,
			}); err != nil {
				c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to publish task log event")
			}
		}
	}
}

// shouldPublish checks the event threshold against the entry's level
func (c *Consumer) shouldPublish(level log.Level) bool {
	return arborlevels.FromLogLevel(level) >= c.minEventLevel
}

// levelString maps phuslu log levels to the storage level strings
func levelString(level log.Level) string {
	switch level {
	case log.ErrorLevel:
		return "error"
	case log.WarnLevel:
		return "warn"
	case log.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
