package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeAppend is the queue task carrying one audit record.
const TaskTypeAppend = "audit:append"

// QueueSink hands records to asynq for at-least-once delivery. The task id is
// the operation id, so a redelivered task replays into PgSink idempotently
// and a double-enqueue of the same operation collapses to one task.
type QueueSink struct {
	client *asynq.Client
	queue  string
}

// NewQueueSink constructs a QueueSink enqueueing into the given queue.
func NewQueueSink(client *asynq.Client, queue string) *QueueSink {
	if queue == "" {
		queue = "default"
	}
	return &QueueSink{client: client, queue: queue}
}

// Append enqueues the record.
func (s *QueueSink) Append(ctx context.Context, rec Record) error {
	if s == nil || s.client == nil {
		return errors.New("audit: queue sink not initialised")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	task := asynq.NewTask(TaskTypeAppend, payload)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.TaskID(rec.OperationID),
		asynq.MaxRetry(10),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("audit: enqueue: %w", err)
	}
	return nil
}

// NewAppendHandler returns the worker handler draining queued records into
// the durable sink.
func NewAppendHandler(sink Sink) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var rec Record
		if err := json.Unmarshal(task.Payload(), &rec); err != nil {
			// Malformed payloads cannot succeed on retry.
			return fmt.Errorf("audit: decode task: %v: %w", err, asynq.SkipRetry)
		}
		return sink.Append(ctx, rec)
	}
}
