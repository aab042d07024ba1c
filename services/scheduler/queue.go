package scheduler

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"metapilot-automation/internal/config"
	"metapilot-automation/services/executor"
)

// Queue decouples the poller from the queue backend so tests can capture
// enqueued jobs.
type Queue interface {
	EnqueueExecution(ctx context.Context, p executor.Payload) error
}

type asynqQueue struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

func NewQueue(client *asynq.Client, cfg *config.Config) Queue {
	return &asynqQueue{
		client:   client,
		maxRetry: cfg.Queue.MaxRetry,
		timeout:  cfg.Queue.TaskTimeout,
	}
}

func (q *asynqQueue) EnqueueExecution(ctx context.Context, p executor.Payload) error {
	_, err := q.client.EnqueueContext(ctx, executor.NewExecutionTask(p, q.maxRetry, q.timeout))
	return err
}
