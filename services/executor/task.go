package executor

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	pkgasynq "metapilot-automation/pkg/asynq"
)

// TaskExecute is the queue message type for condition-matched tasks.
const TaskExecute = "task:execute"

// Payload is the transient execution job. Delivery is at-least-once; the
// worker re-validates the task before acting.
type Payload struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	Network  string `json:"network"`
}

// NewExecutionTask builds the asynq task for one execution attempt chain.
func NewExecutionTask(p Payload, maxRetry int, timeout time.Duration) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskExecute, payload,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.Queue(pkgasynq.QueueExecutions),
	)
}
