package main

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"metapilot-automation/internal/config"
	"metapilot-automation/internal/logger"
	"metapilot-automation/internal/server"
	"metapilot-automation/pkg/db"
	"metapilot-automation/pkg/health"
	"metapilot-automation/pkg/middleware"
	"metapilot-automation/services/activity"
	"metapilot-automation/services/condition"
	"metapilot-automation/services/task"
)

func main() {
	app := fx.New(
		logger.Module,
		config.Module,
		db.Module,
		health.Module,
		activity.Module,
		condition.Module,
		task.Module,
		fx.Provide(
			provideSnowflakeNode,
			provideEngine,
			server.ProvideHTTPServer,
		),
		fx.Invoke(
			migrate,
			registerRoutes,
			server.Run,
		),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func provideEngine(cfg *config.Config) (*gin.Engine, http.Handler) {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())
	return engine, engine
}

func migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(&task.Task{}, &task.ExecutionRecord{}, &activity.Entry{})
}

func registerRoutes(engine *gin.Engine, cfg *config.Config, h *task.Handler, hs health.HealthService) {
	engine.GET("/healthz", hs.Liveness)
	engine.GET("/readyz", hs.Readiness)

	v1 := engine.Group("/v1", middleware.BearerAuth(cfg.Auth.APIToken))
	h.RegisterRoutes(v1)
}
