package chain

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/event"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
)

const (
	taskQueueDepth = 512
	maxAttempts    = 3
	baseBackoff    = 500 * time.Millisecond
	taskTimeout    = 10 * time.Second
)

// Task is one fire-and-forget chain call.
type Task struct {
	Kind string
	Run  func(ctx context.Context) error
}

// TaskQueue executes chain calls on a background worker with bounded
// retry and exponential backoff. Enqueue never blocks: when the queue is
// full the task is dropped and logged, because a slow chain must never
// stall the risk loop.
type TaskQueue struct {
	client  Client
	tasks   chan Task
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewTaskQueue(client Client, log zerolog.Logger, metrics *observability.Metrics) *TaskQueue {
	return &TaskQueue{
		client:  client,
		tasks:   make(chan Task, taskQueueDepth),
		log:     log,
		metrics: metrics,
	}
}

// Run drains the queue until ctx is done.
func (q *TaskQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.execute(ctx, task)
		}
	}
}

func (q *TaskQueue) execute(ctx context.Context, task Task) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		err = task.Run(callCtx)
		cancel()
		if err == nil {
			if q.metrics != nil {
				q.metrics.ChainTasks.WithLabelValues(task.Kind, "ok").Inc()
			}
			return
		}
		if attempt < maxAttempts {
			if q.metrics != nil {
				q.metrics.ChainTaskRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(baseBackoff << (attempt - 1)):
			}
		}
	}
	if q.metrics != nil {
		q.metrics.ChainTasks.WithLabelValues(task.Kind, "failed").Inc()
	}
	q.log.Error().Err(err).Str("kind", task.Kind).
		Int("attempts", maxAttempts).Msg("chain task abandoned")
}

// Enqueue schedules a task, dropping it when the queue is full.
func (q *TaskQueue) Enqueue(task Task) {
	select {
	case q.tasks <- task:
	default:
		if q.metrics != nil {
			q.metrics.ChainTasks.WithLabelValues(task.Kind, "dropped").Inc()
		}
		q.log.Warn().Str("kind", task.Kind).Msg("chain task queue full, task dropped")
	}
}

// NotifyADL satisfies the ADL engine's Notifier: best-effort, never
// blocking.
func (q *TaskQueue) NotifyADL(instrument string, fills []event.ADLFill) {
	q.Enqueue(Task{
		Kind: "adl_notify",
		Run: func(ctx context.Context) error {
			return q.client.NotifyADL(ctx, instrument, fills)
		},
	})
}
