package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metapilot-automation/internal/config"
	"metapilot-automation/pkg/errutil"
	"metapilot-automation/services/activity"
	"metapilot-automation/services/condition"
	"metapilot-automation/services/executor"
	"metapilot-automation/services/gateway"
	"metapilot-automation/services/task"
)

// Poller drives the check cycle for one or more task types: select due
// tasks, evaluate their conditions against fresh data, enqueue matched ones
// and reschedule the rest. Execution itself happens in the worker pool, so a
// slow chain call never blocks condition checks.
type Poller struct {
	store    task.Store
	gateway  gateway.DataGateway
	eval     *condition.Evaluator
	queue    Queue
	activity activity.Recorder
	logger   *zap.Logger

	intervals        map[string]time.Duration
	defaultInterval  time.Duration
	batchSize        int
	fanOut           int
	maxBackoffFactor int
}

type PollerParams struct {
	fx.In

	Store    task.Store
	Gateway  gateway.DataGateway
	Eval     *condition.Evaluator
	Queue    Queue
	Config   *config.Config
	Activity activity.Recorder `optional:"true"`
	Logger   *zap.Logger       `optional:"true"`
}

func NewPoller(p PollerParams) *Poller {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:            p.Store,
		gateway:          p.Gateway,
		eval:             p.Eval,
		queue:            p.Queue,
		activity:         p.Activity,
		logger:           logger,
		intervals:        p.Config.Scheduler.Intervals,
		defaultInterval:  p.Config.Scheduler.DefaultInterval,
		batchSize:        p.Config.Scheduler.BatchSize,
		fanOut:           p.Config.Scheduler.FanOut,
		maxBackoffFactor: p.Config.Scheduler.MaxBackoffFactor,
	}
}

// Start launches one polling goroutine per task type, stopped via fx
// lifecycle.
func Start(lc fx.Lifecycle, p *Poller) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, typ := range task.KnownTypes {
				go p.Run(ctx, typ)
			}
			p.logger.Info("[Scheduler] pollers started", zap.Int("types", len(task.KnownTypes)))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			p.logger.Info("[Scheduler] pollers stopped")
			return nil
		},
	})
}

// Run loops the check cycle for a single task type at its configured
// cadence until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, typ task.Type) {
	interval := p.IntervalFor(typ)
	p.logger.Info("[Scheduler] poller started",
		zap.String("type", string(typ)),
		zap.Duration("interval", interval),
	)

	// Catch up right away: tasks that came due while the process was down
	// should not wait out a full interval.
	p.RunCycle(ctx, typ)

	for {
		select {
		case <-time.After(interval):
			p.RunCycle(ctx, typ)
		case <-ctx.Done():
			p.logger.Info("[Scheduler] poller stopped", zap.String("type", string(typ)))
			return
		}
	}
}

// RunCycle performs one pass over the due tasks of a type. Checks fan out
// over a bounded group; one task's failure never affects another.
func (p *Poller) RunCycle(ctx context.Context, typ task.Type) {
	now := time.Now().UTC()

	due, err := p.store.FindDueTasks(ctx, typ, now, p.batchSize)
	if err != nil {
		p.logger.Error("[Scheduler] failed to select due tasks",
			zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	g := errgroup.Group{}
	g.SetLimit(p.fanOut)
	for i := range due {
		t := due[i]
		g.Go(func() error {
			p.CheckTask(ctx, &t)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckTask evaluates one task's conditions and applies the resulting state
// transition.
func (p *Poller) CheckTask(ctx context.Context, t *task.Task) {
	now := time.Now().UTC()
	interval := p.IntervalFor(t.Type)

	conds, err := t.ParseConditions()
	if err != nil || len(conds) == 0 {
		p.failTask(ctx, t, "task has no usable conditions")
		return
	}

	snap, err := p.snapshotFor(ctx, conds, t.WalletAddress)
	if err != nil {
		if errutil.IsKind(err, errutil.KindTransient) {
			// Recoverable: push the next check out, keep the task active.
			p.logger.Warn("[Scheduler] data fetch failed, backing off",
				zap.String("task_id", t.ID), zap.Error(err))
			p.reschedule(ctx, t, now, now.Add(interval*2), t.Misses+1)
			return
		}
		p.logger.Error("[Scheduler] data fetch failed",
			zap.String("task_id", t.ID), zap.Error(err))
		p.reschedule(ctx, t, now, now.Add(interval), t.Misses)
		return
	}

	met := true
	reasons := make([]string, 0, len(conds))
	for _, cond := range conds {
		res, err := p.eval.Evaluate(cond, snap)
		if errors.Is(err, condition.ErrNotApplicable) {
			// Time-based conditions are satisfied by the cadence itself.
			continue
		}
		if err != nil {
			// Malformed or unknown rules require user intervention.
			p.failTask(ctx, t, err.Error())
			return
		}
		met = met && res.Met
		reasons = append(reasons, res.Reason)
	}

	if !met {
		misses := t.Misses + 1
		next := now.Add(interval * time.Duration(backoffFactor(misses, p.maxBackoffFactor)))
		p.reschedule(ctx, t, now, next, misses)
		return
	}

	cfg, err := t.ParseConfiguration()
	if err != nil {
		p.failTask(ctx, t, "task configuration is not decodable")
		return
	}

	payload := executor.Payload{
		TaskID:   t.ID,
		TaskType: string(t.Type),
		Network:  cfg.Network,
	}
	if err := p.queue.EnqueueExecution(ctx, payload); err != nil {
		// Queue backend hiccup: retry on the next cycle, do not lose the task.
		p.logger.Error("[Scheduler] failed to enqueue execution",
			zap.String("task_id", t.ID), zap.Error(err))
		p.reschedule(ctx, t, now, now.Add(interval), t.Misses)
		return
	}

	reason := strings.Join(reasons, "; ")
	p.logger.Info("[Scheduler] condition met, execution enqueued",
		zap.String("task_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("reason", reason),
	)
	if p.activity != nil {
		p.activity.Record(ctx, activity.Entry{
			TaskID: t.ID,
			UserID: t.UserID,
			Action: "task.condition_met",
			Detail: reason,
		})
	}

	p.reschedule(ctx, t, now, now.Add(interval), 0)
}

// IntervalFor returns the polling cadence for a task type.
func (p *Poller) IntervalFor(typ task.Type) time.Duration {
	if d, ok := p.intervals[string(typ)]; ok && d > 0 {
		return d
	}
	return p.defaultInterval
}

func (p *Poller) snapshotFor(ctx context.Context, conds []task.Condition, wallet string) (condition.Snapshot, error) {
	var snap condition.Snapshot
	needPrice, needBalance, needGas := false, false, false
	asset := "ETH"

	for _, c := range conds {
		switch c.Type {
		case task.ConditionPriceThreshold:
			needPrice = true
			if c.Asset != "" {
				asset = c.Asset
			}
		case task.ConditionBalanceThreshold:
			needBalance = true
		case task.ConditionGasPrice:
			needGas = true
		case task.ConditionCustom:
			// A custom expression may reference any variable.
			needPrice, needBalance, needGas = true, true, true
			if c.Asset != "" {
				asset = c.Asset
			}
		}
	}

	if needPrice {
		point, err := p.gateway.CurrentPrice(ctx, asset)
		if err != nil {
			return snap, err
		}
		snap.Price = point.Value
		snap.PriceAsOf = point.AsOf
	}
	if needBalance {
		balance, err := p.gateway.Balance(ctx, wallet)
		if err != nil {
			return snap, err
		}
		snap.Balance = balance
	}
	if needGas {
		gas, err := p.gateway.GasPrice(ctx)
		if err != nil {
			return snap, err
		}
		snap.GasPrice = gas
	}
	return snap, nil
}

func (p *Poller) reschedule(ctx context.Context, t *task.Task, lastChecked, next time.Time, misses int) {
	if err := p.store.UpdateSchedule(ctx, t.ID, lastChecked, next, misses); err != nil {
		p.logger.Error("[Scheduler] failed to update schedule",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (p *Poller) failTask(ctx context.Context, t *task.Task, reason string) {
	err := p.store.TransitionStatus(ctx, t.ID, task.StatusActive, task.StatusFailed)
	if err != nil && !errors.Is(err, task.ErrInvalidTransition) && !errors.Is(err, task.ErrNotFound) {
		p.logger.Error("[Scheduler] failed to mark task failed",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	p.logger.Error("[Scheduler] task failed",
		zap.String("task_id", t.ID),
		zap.String("reason", reason),
	)
	if p.activity != nil {
		p.activity.Record(ctx, activity.Entry{
			TaskID: t.ID,
			UserID: t.UserID,
			Action: "task.failed",
			Detail: fmt.Sprintf("unrecoverable scheduler error: %s", reason),
		})
	}
}

func backoffFactor(misses, max int) int {
	factor := 1
	for i := 0; i < misses && factor < max; i++ {
		factor *= 2
	}
	if factor > max {
		return max
	}
	return factor
}

var Module = fx.Module("scheduler",
	fx.Provide(
		NewQueue,
		NewPoller,
	),
	fx.Invoke(Start),
)
