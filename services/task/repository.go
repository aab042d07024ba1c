package task

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when the persisted status does not
	// match the expected from-status (optimistic concurrency guard).
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrScheduleOrder is returned when nextCheckAt would precede
	// lastCheckedAt.
	ErrScheduleOrder = errors.New("nextCheckAt must not precede lastCheckedAt")
)

// Store describes the persistence operations shared by the API service, the
// scheduler and the execution worker. All cross-goroutine task updates go
// through its guarded operations; callers never read-modify-write status or
// history themselves.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	ListByUser(ctx context.Context, userID string) ([]Task, error)

	// UpdateFields writes only the named columns; status and schedule
	// bookkeeping stay with TransitionStatus and UpdateSchedule so a
	// concurrent pause or poll cycle is never overwritten.
	UpdateFields(ctx context.Context, taskID string, fields map[string]any) error

	Delete(ctx context.Context, id string) error

	// FindDueTasks returns active tasks of the given type whose
	// nextCheckAt is at or before now, oldest first.
	FindDueTasks(ctx context.Context, typ Type, now time.Time, limit int) ([]Task, error)

	// AppendExecutionRecord atomically inserts one history entry.
	AppendExecutionRecord(ctx context.Context, taskID string, rec *ExecutionRecord) error

	// History returns execution records oldest first.
	History(ctx context.Context, taskID string, limit int) ([]ExecutionRecord, error)

	// UpdateSchedule writes the check bookkeeping after a poll cycle.
	UpdateSchedule(ctx context.Context, taskID string, lastChecked, nextCheck time.Time, misses int) error

	// TransitionStatus moves a task from one status to another, failing
	// with ErrInvalidTransition when the persisted status differs.
	TransitionStatus(ctx context.Context, taskID string, from, to Status) error

	// SetLastExecuted stamps the most recent successful execution.
	SetLastExecuted(ctx context.Context, taskID string, at time.Time) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a gorm backed Store implementation.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, t *Task) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *gormStore) Get(ctx context.Context, id string) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var t Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *gormStore) ListByUser(ctx context.Context, userID string) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var tasks []Task
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tasks).Error
	return tasks, err
}

func (s *gormStore) UpdateFields(ctx context.Context, taskID string, fields map[string]any) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) FindDueTasks(ctx context.Context, typ Type, now time.Time, limit int) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var tasks []Task
	query := s.db.WithContext(ctx).
		Where("type = ? AND status = ? AND next_check_at IS NOT NULL AND next_check_at <= ?", typ, StatusActive, now).
		Order("next_check_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&tasks).Error
	return tasks, err
}

func (s *gormStore) AppendExecutionRecord(ctx context.Context, taskID string, rec *ExecutionRecord) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	rec.TaskID = taskID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) History(ctx context.Context, taskID string, limit int) ([]ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var records []ExecutionRecord
	query := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}

func (s *gormStore) UpdateSchedule(ctx context.Context, taskID string, lastChecked, nextCheck time.Time, misses int) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	if nextCheck.Before(lastChecked) {
		return ErrScheduleOrder
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"last_checked_at": lastChecked,
			"next_check_at":   nextCheck,
			"misses":          misses,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) TransitionStatus(ctx context.Context, taskID string, from, to Status) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", taskID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *gormStore) SetLastExecuted(ctx context.Context, taskID string, at time.Time) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", taskID).
		Update("last_executed_at", at).Error
}
