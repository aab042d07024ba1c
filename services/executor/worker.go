package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"metapilot-automation/services/activity"
	"metapilot-automation/services/task"
)

// Worker consumes execution jobs. It re-validates the task on every attempt
// so stale jobs for paused or deleted tasks become no-ops instead of firing
// transactions.
type Worker struct {
	store    task.Store
	chain    ChainClient
	node     *snowflake.Node
	activity activity.Recorder
	logger   *zap.Logger
}

type WorkerParams struct {
	fx.In

	Store    task.Store
	Chain    ChainClient
	Node     *snowflake.Node
	Activity activity.Recorder `optional:"true"`
	Logger   *zap.Logger       `optional:"true"`
}

func NewWorker(p WorkerParams) *Worker {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    p.Store,
		chain:    p.Chain,
		node:     p.Node,
		activity: p.Activity,
		logger:   logger,
	}
}

// HandleExecuteTask processes one execution job. Returning an error hands
// the job back to asynq for a retry with exponential backoff; returning nil
// consumes it.
func (w *Worker) HandleExecuteTask(ctx context.Context, t *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		w.logger.Error("invalid execution payload", zap.Error(err))
		return fmt.Errorf("invalid execution payload: %w", asynq.SkipRetry)
	}

	record, err := w.store.Get(ctx, payload.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		// Deleted between enqueue and dequeue; consume the job.
		w.logger.Info("task gone before execution, skipping",
			zap.String("task_id", payload.TaskID))
		return nil
	}
	if err != nil {
		w.logger.Error("failed to load task for execution",
			zap.String("task_id", payload.TaskID), zap.Error(err))
		return err
	}

	if record.Status != task.StatusActive {
		// Paused/completed/failed since the condition matched. A soft
		// cancel means we simply stop here.
		w.logger.Info("task no longer active, skipping execution",
			zap.String("task_id", record.ID),
			zap.String("status", string(record.Status)))
		return nil
	}

	if record.OneTime && record.LastExecutedAt != nil {
		// A previous attempt already broadcast the transaction but its
		// completion bookkeeping failed. Finish the transition; never fire
		// the action a second time.
		err := w.store.TransitionStatus(ctx, record.ID, task.StatusActive, task.StatusCompleted)
		if err != nil && !errors.Is(err, task.ErrInvalidTransition) {
			w.logger.Error("failed to complete already-executed task",
				zap.String("task_id", record.ID), zap.Error(err))
		}
		return nil
	}

	if !task.ExecutableTypes[record.Type] {
		// The type is accepted for storage but has no execution integration
		// yet. Consume the job and surface the failure on the task.
		w.recordOutcome(ctx, record, &task.ExecutionRecord{
			ID:     w.node.Generate().String(),
			Status: task.ExecFailed,
			Error:  fmt.Sprintf("task type %s is not executable", record.Type),
		}, "task.failed", fmt.Sprintf("task type %s is not executable", record.Type))
		if err := w.store.TransitionStatus(ctx, record.ID, task.StatusActive, task.StatusFailed); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
			w.logger.Error("failed to mark task failed",
				zap.String("task_id", record.ID), zap.Error(err))
		}
		return nil
	}

	hash, execErr := w.chain.Execute(ctx, record)
	if execErr != nil {
		w.recordOutcome(ctx, record, &task.ExecutionRecord{
			ID:     w.node.Generate().String(),
			Status: task.ExecFailed,
			Error:  execErr.Error(),
		}, "task.execution_failed", execErr.Error())

		w.logger.Warn("execution attempt failed",
			zap.String("task_id", record.ID), zap.Error(execErr))
		return execErr
	}

	now := time.Now().UTC()
	w.recordOutcome(ctx, record, &task.ExecutionRecord{
		ID:              w.node.Generate().String(),
		Status:          task.ExecSuccess,
		TransactionHash: hash,
		CreatedAt:       now,
	}, "task.executed", fmt.Sprintf("transaction %s broadcast", hash))

	if err := w.store.SetLastExecuted(ctx, record.ID, now); err != nil {
		w.logger.Error("failed to stamp last execution",
			zap.String("task_id", record.ID), zap.Error(err))
	}

	if record.OneTime {
		err := w.store.TransitionStatus(ctx, record.ID, task.StatusActive, task.StatusCompleted)
		switch {
		case errors.Is(err, task.ErrInvalidTransition):
			// Someone else moved the task first; the success above is
			// already recorded, nothing more to do.
			w.logger.Info("one-time task already transitioned",
				zap.String("task_id", record.ID))
		case err != nil:
			// The transaction is on chain. Handing the job back to the
			// queue would broadcast it again, so the error is swallowed;
			// the LastExecutedAt guard above finishes the transition on a
			// later delivery for the still-active task.
			w.logger.Error("failed to complete one-time task",
				zap.String("task_id", record.ID), zap.Error(err))
		}
	}

	w.logger.Info("execution succeeded",
		zap.String("task_id", record.ID),
		zap.String("tx_hash", hash),
		zap.Bool("one_time", record.OneTime))
	return nil
}

func (w *Worker) recordOutcome(ctx context.Context, t *task.Task, rec *task.ExecutionRecord, action, detail string) {
	if err := w.store.AppendExecutionRecord(ctx, t.ID, rec); err != nil {
		w.logger.Error("failed to append execution record",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	if w.activity != nil {
		w.activity.Record(ctx, activity.Entry{
			TaskID: t.ID,
			UserID: t.UserID,
			Action: action,
			Detail: detail,
		})
	}
}

var Module = fx.Module("executor",
	fx.Provide(
		NewRelayerClient,
		NewWorker,
	),
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(TaskExecute, w.HandleExecuteTask)
}
