package task

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"metapilot-automation/pkg/errutil"
	"metapilot-automation/services/activity"
)

// ConditionValidator rejects malformed condition descriptors at create and
// update time, before a rule can ever reach the scheduler.
type ConditionValidator interface {
	Validate(cond Condition) error
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Service owns the task lifecycle operations exposed over HTTP. Status
// changes go through the store's guarded transitions so they cannot race
// scheduler or worker updates.
type Service struct {
	store     Store
	node      *snowflake.Node
	validator ConditionValidator
	activity  activity.Recorder
	logger    *zap.Logger
}

type ServiceParams struct {
	fx.In

	Store     Store
	Node      *snowflake.Node
	Validator ConditionValidator
	Activity  activity.Recorder `optional:"true"`
	Logger    *zap.Logger       `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     p.Store,
		node:      p.Node,
		validator: p.Validator,
		activity:  p.Activity,
		logger:    logger,
	}
}

type CreateTaskInput struct {
	UserID            string
	WalletAddress     string
	SessionKeyAddress string
	Type              Type
	Recurring         bool
	Conditions        []Condition
	Configuration     Configuration
}

type UpdateTaskInput struct {
	SessionKeyAddress *string
	Conditions        []Condition
	Configuration     *Configuration
}

// CreateTask validates and persists a new task. Tasks start active when a
// session key is already bound and at least one condition exists; otherwise
// they stay pending until a delegation is bound.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	if in.UserID == "" {
		return nil, errutil.Validation("userId is required")
	}
	if !knownType(in.Type) {
		return nil, errutil.Validation(fmt.Sprintf("unknown task type %q", in.Type))
	}
	wallet, err := normalizeAddress(in.WalletAddress)
	if err != nil {
		return nil, err
	}
	sessionKey := ""
	if in.SessionKeyAddress != "" {
		if sessionKey, err = normalizeAddress(in.SessionKeyAddress); err != nil {
			return nil, errutil.Validation("sessionKeyAddress is not a valid address")
		}
	}
	if err := s.validateConditions(in.Conditions, in.Configuration); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:                s.node.Generate().String(),
		UserID:            in.UserID,
		WalletAddress:     wallet,
		SessionKeyAddress: sessionKey,
		Type:              in.Type,
		OneTime:           !in.Recurring,
		Status:            StatusPending,
	}
	if err := t.SetConditions(in.Conditions); err != nil {
		return nil, errutil.Internal("failed to encode conditions", err)
	}
	if err := t.SetConfiguration(in.Configuration); err != nil {
		return nil, errutil.Internal("failed to encode configuration", err)
	}

	if s.readyToActivate(t, in.Conditions) {
		t.Status = StatusActive
		t.NextCheckAt = &now
	}

	if err := s.store.Create(ctx, t); err != nil {
		s.logger.Error("failed to create task", zap.Error(err))
		return nil, errutil.Internal("failed to create task", err)
	}

	s.record(ctx, t, "task.created", fmt.Sprintf("task of type %s created with status %s", t.Type, t.Status))
	return t, nil
}

// GetTask fetches a single task.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, errutil.NotFound("task not found")
	}
	if err != nil {
		return nil, errutil.Internal("failed to load task", err)
	}
	return t, nil
}

// ListTasks returns a user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID string) ([]Task, error) {
	if userID == "" {
		return nil, errutil.Validation("userId is required")
	}
	tasks, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, errutil.Internal("failed to list tasks", err)
	}
	return tasks, nil
}

// UpdateTask applies partial updates. Binding a session key to a pending
// task activates it and makes it due immediately.
func (s *Service) UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (*Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusCompleted || t.Status == StatusFailed {
		return nil, errutil.Conflict(fmt.Sprintf("task in status %s cannot be updated", t.Status))
	}

	cfg, err := t.ParseConfiguration()
	if err != nil {
		return nil, errutil.Internal("failed to decode configuration", err)
	}
	if in.Configuration != nil {
		cfg = *in.Configuration
	}

	fields := map[string]any{}
	if in.Conditions != nil {
		// An active task must keep a non-empty structured rule; removing
		// all conditions would leave the scheduler nothing to evaluate.
		if len(in.Conditions) == 0 && t.Status != StatusPending {
			return nil, errutil.Validation("a non-pending task requires at least one structured condition")
		}
		if err := s.validateConditions(in.Conditions, cfg); err != nil {
			return nil, err
		}
		if err := t.SetConditions(in.Conditions); err != nil {
			return nil, errutil.Internal("failed to encode conditions", err)
		}
		fields["conditions"] = t.Conditions
	}
	if in.Configuration != nil {
		if err := t.SetConfiguration(cfg); err != nil {
			return nil, errutil.Internal("failed to encode configuration", err)
		}
		fields["configuration"] = t.Configuration
	}
	if in.SessionKeyAddress != nil {
		key, err := normalizeAddress(*in.SessionKeyAddress)
		if err != nil {
			return nil, errutil.Validation("sessionKeyAddress is not a valid address")
		}
		t.SessionKeyAddress = key
		fields["session_key_address"] = key
	}

	// Write only the changed columns. Status and schedule bookkeeping go
	// through the guarded store operations below, so a pause or poll cycle
	// landing mid-update is never clobbered by a stale snapshot.
	if len(fields) > 0 {
		if err := s.store.UpdateFields(ctx, id, fields); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errutil.NotFound("task not found")
			}
			return nil, errutil.Internal("failed to update task", err)
		}
	}

	conds, err := t.ParseConditions()
	if err != nil {
		return nil, errutil.Internal("failed to decode conditions", err)
	}
	if t.Status == StatusPending && s.readyToActivate(t, conds) {
		err := s.store.TransitionStatus(ctx, id, StatusPending, StatusActive)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, errutil.NotFound("task not found")
		case errors.Is(err, ErrInvalidTransition):
			// The task left pending under our feet; report what is stored.
			return s.GetTask(ctx, id)
		case err != nil:
			return nil, errutil.Internal("failed to activate task", err)
		}

		now := time.Now().UTC()
		if err := s.store.UpdateSchedule(ctx, id, now, now, 0); err != nil {
			return nil, errutil.Internal("failed to schedule task", err)
		}
		t.Status = StatusActive
		t.NextCheckAt = &now
		s.record(ctx, t, "task.activated", "session key bound, task activated")
	}
	return t, nil
}

// PauseTask soft-cancels polling for a task. Jobs already dequeued still run
// to completion; only future polling and enqueueing stops.
func (s *Service) PauseTask(ctx context.Context, id string) (*Task, error) {
	err := s.store.TransitionStatus(ctx, id, StatusActive, StatusPaused)
	if errors.Is(err, ErrNotFound) {
		return nil, errutil.NotFound("task not found")
	}
	if errors.Is(err, ErrInvalidTransition) {
		return nil, errutil.Conflict("only active tasks can be paused")
	}
	if err != nil {
		return nil, errutil.Internal("failed to pause task", err)
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, t, "task.paused", "task paused by user")
	return t, nil
}

// ResumeTask reactivates a paused task and makes it due for an immediate
// check.
func (s *Service) ResumeTask(ctx context.Context, id string) (*Task, error) {
	err := s.store.TransitionStatus(ctx, id, StatusPaused, StatusActive)
	if errors.Is(err, ErrNotFound) {
		return nil, errutil.NotFound("task not found")
	}
	if errors.Is(err, ErrInvalidTransition) {
		return nil, errutil.Conflict("only paused tasks can be resumed")
	}
	if err != nil {
		return nil, errutil.Internal("failed to resume task", err)
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lastChecked := now
	if t.LastCheckedAt != nil {
		lastChecked = *t.LastCheckedAt
	}
	if err := s.store.UpdateSchedule(ctx, id, lastChecked, now, 0); err != nil {
		return nil, errutil.Internal("failed to reschedule task", err)
	}
	t.NextCheckAt = &now
	t.Misses = 0

	s.record(ctx, t, "task.resumed", "task resumed by user")
	return t, nil
}

// DeleteTask removes a task. In-flight execution jobs for it become no-ops
// when the worker fails to re-fetch the record.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errutil.NotFound("task not found")
		}
		return errutil.Internal("failed to delete task", err)
	}
	s.record(ctx, t, "task.deleted", "task deleted by user")
	return nil
}

// History returns the task's execution records, oldest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]ExecutionRecord, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	records, err := s.store.History(ctx, id, limit)
	if err != nil {
		return nil, errutil.Internal("failed to load execution history", err)
	}
	return records, nil
}

func (s *Service) validateConditions(conds []Condition, cfg Configuration) error {
	// A task may be created with only a free-text rule; it stays pending
	// until the external extraction step supplies structured conditions.
	if len(conds) == 0 && cfg.RawRule == "" {
		return errutil.Validation("at least one condition or a free-text rule is required")
	}
	for _, c := range conds {
		if err := s.validator.Validate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) readyToActivate(t *Task, conds []Condition) bool {
	if len(conds) == 0 {
		return false
	}
	if ExecutableTypes[t.Type] && t.SessionKeyAddress == "" {
		return false
	}
	return true
}

func (s *Service) record(ctx context.Context, t *Task, action, detail string) {
	if s.activity == nil {
		return
	}
	s.activity.Record(ctx, activity.Entry{
		TaskID: t.ID,
		UserID: t.UserID,
		Action: action,
		Detail: detail,
	})
}

func knownType(typ Type) bool {
	for _, t := range KnownTypes {
		if t == typ {
			return true
		}
	}
	return false
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", errutil.Validation(fmt.Sprintf("%q is not a valid wallet address", addr))
	}
	return strings.ToLower(addr), nil
}
