package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"metapilot-automation/internal/config"
	"metapilot-automation/internal/logger"
	pkgasynq "metapilot-automation/pkg/asynq"
	"metapilot-automation/pkg/db"
	"metapilot-automation/pkg/redis"
	"metapilot-automation/services/activity"
	"metapilot-automation/services/condition"
	"metapilot-automation/services/executor"
	"metapilot-automation/services/gateway"
	"metapilot-automation/services/scheduler"
	"metapilot-automation/services/task"
)

func main() {
	app := fx.New(
		logger.Module,
		config.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		pkgasynq.Server,
		activity.Module,
		condition.Module,
		gateway.Module,
		fx.Provide(
			provideSnowflakeNode,
			task.NewStore,
		),
		scheduler.Module,
		executor.Module,
		fx.Invoke(migrate),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(&task.Task{}, &task.ExecutionRecord{}, &activity.Entry{})
}
