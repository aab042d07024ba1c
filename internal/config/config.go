package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config is the process-wide configuration for both the API server and the
// worker. Values come from config.yaml with environment variable overrides.
type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`

	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`

	Auth struct {
		APIToken string `mapstructure:"API_TOKEN"`
	} `mapstructure:"AUTH"`

	Database struct {
		Host     string `mapstructure:"HOST"`
		Port     string `mapstructure:"PORT"`
		DBName   string `mapstructure:"DBNAME"`
		User     string `mapstructure:"USER"`
		Password string `mapstructure:"PASSWORD"`
		SSLMode  string `mapstructure:"SSLMODE"`
		Timezone string `mapstructure:"TIMEZONE"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	Queue struct {
		Concurrency    int           `mapstructure:"CONCURRENCY"`
		MaxRetry       int           `mapstructure:"MAX_RETRY"`
		RetryBaseDelay time.Duration `mapstructure:"RETRY_BASE_DELAY"`
		TaskTimeout    time.Duration `mapstructure:"TASK_TIMEOUT"`
	} `mapstructure:"QUEUE"`

	Scheduler struct {
		// Intervals maps a task type to its polling cadence. Types without
		// an entry use DefaultInterval.
		Intervals       map[string]time.Duration `mapstructure:"INTERVALS"`
		DefaultInterval time.Duration            `mapstructure:"DEFAULT_INTERVAL"`
		BatchSize       int                      `mapstructure:"BATCH_SIZE"`
		FanOut          int                      `mapstructure:"FAN_OUT"`
		// MaxBackoffFactor caps the interval stretch applied after
		// consecutive non-matching checks.
		MaxBackoffFactor int `mapstructure:"MAX_BACKOFF_FACTOR"`
	} `mapstructure:"SCHEDULER"`

	Gateway struct {
		RPCEndpoint string        `mapstructure:"RPC_ENDPOINT"`
		PriceAPIURL string        `mapstructure:"PRICE_API_URL"`
		PriceAPIKey string        `mapstructure:"PRICE_API_KEY"`
		RelayerURL  string        `mapstructure:"RELAYER_URL"`
		Timeout     time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"GATEWAY"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 10
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = 3
	}
	if c.Queue.RetryBaseDelay == 0 {
		c.Queue.RetryBaseDelay = 30 * time.Second
	}
	if c.Queue.TaskTimeout == 0 {
		c.Queue.TaskTimeout = 2 * time.Minute
	}
	if c.Scheduler.DefaultInterval == 0 {
		c.Scheduler.DefaultInterval = 5 * time.Minute
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 200
	}
	if c.Scheduler.FanOut == 0 {
		c.Scheduler.FanOut = 8
	}
	if c.Scheduler.MaxBackoffFactor == 0 {
		c.Scheduler.MaxBackoffFactor = 8
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 30 * time.Second
	}
}
