package asynq

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"metapilot-automation/internal/config"
)

// QueueExecutions carries on-chain execution jobs; it is drained ahead of
// the default queue.
const QueueExecutions = "executions"

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient),
)

func registerClient(lc fx.Lifecycle, redis *redis.Client) *asynq.Client {
	client := asynq.NewClientFromRedisClient(redis)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency:    cfg.Queue.Concurrency,
			RetryDelayFunc: ExponentialRetryDelay(cfg.Queue.RetryBaseDelay),
			Queues: map[string]int{
				QueueExecutions: 6,
				"default":       3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				if retried >= maxRetry {
					zap.L().Error("asynq task exhausted retries, moved to dead state",
						zap.String("task_type", task.Type()),
						zap.Int("attempts", retried+1),
						zap.Error(err),
					)
					return
				}
				zap.L().Warn("asynq task failed, will retry",
					zap.String("task_type", task.Type()),
					zap.Int("retried", retried),
					zap.Error(err),
				)
			}),
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Run(mux); err != nil {
					zap.L().Fatal("[Asynq] Failed to start Asynq server", zap.Error(err))
				}
			}()
			zap.L().Info("[Asynq] Asynq server started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Stop()
			return nil
		},
	})
}

// ExponentialRetryDelay doubles the delay on every attempt starting from
// base, capped at one hour.
func ExponentialRetryDelay(base time.Duration) asynq.RetryDelayFunc {
	const maxDelay = time.Hour
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		d := base
		for i := 0; i < n; i++ {
			d *= 2
			if d >= maxDelay {
				return maxDelay
			}
		}
		return d
	}
}
