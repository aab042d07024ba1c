package activity

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var Module = fx.Module("activity",
	fx.Provide(NewRecorder),
)

// Entry is one append-only audit record of an action taken on behalf of a
// user.
type Entry struct {
	ID        string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	TaskID    string         `gorm:"column:task_id;index"`
	UserID    string         `gorm:"column:user_id;index"`
	Action    string         `gorm:"column:action;type:varchar(64);not null"`
	Detail    string         `gorm:"column:detail;type:text"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime;index"`
}

func (Entry) TableName() string { return "activity_entries" }

// Recorder is the audit sink. Recording is best-effort: failures are logged
// and never propagate into the pipeline that produced the entry.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type gormRecorder struct {
	db     *gorm.DB
	node   *snowflake.Node
	logger *zap.Logger
}

type RecorderParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Logger *zap.Logger
}

func NewRecorder(p RecorderParams) Recorder {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gormRecorder{db: p.DB, node: p.Node, logger: logger}
}

func (r *gormRecorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = r.node.Generate().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		r.logger.Error("failed to record activity",
			zap.String("task_id", e.TaskID),
			zap.String("action", e.Action),
			zap.Error(err),
		)
	}
}
