package logger

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("logger",
	fx.Provide(Provide),
	fx.Invoke(replaceGlobals),
)

// Provide returns the application logger. Production builds use the JSON
// encoder; anything else gets the development console encoder.
func Provide() (*zap.Logger, error) {
	if os.Getenv("APP_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func replaceGlobals(logger *zap.Logger) {
	zap.ReplaceGlobals(logger)
}
