package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合执行引擎运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Execution ExecutionConfig `mapstructure:"execution"`
	VWAP      VWAPConfig      `mapstructure:"vwap"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// EngineConfig 控制策略引擎的公共行为。
type EngineConfig struct {
	// TickSize 为价格最小变动单位，止损价等派生价格按其取整。
	TickSize float64 `mapstructure:"tick_size"`
	// BracketEntryExpiry 控制 Bracket 入场腿的有效期，0 表示一直有效（GTC）。
	BracketEntryExpiry time.Duration `mapstructure:"bracket_entry_expiry"`
}

// SchedulerConfig 控制切片调度器。
type SchedulerConfig struct {
	MaxConcurrentCallbacks int64         `mapstructure:"max_concurrent_callbacks"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
}

// FeedConfig 描述行情源连接信息。
type FeedConfig struct {
	Exchange     string        `mapstructure:"exchange"`
	Symbols      []string      `mapstructure:"symbols"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	UseSandbox   bool          `mapstructure:"use_sandbox"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制交易所调用的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ExecutionConfig 控制子单提交行为。
type ExecutionConfig struct {
	// Simulation 为真时使用模拟撮合适配器，不触达真实交易所。
	Simulation  bool    `mapstructure:"simulation"`
	SlippageBps float64 `mapstructure:"slippage_bps"`
}

// VWAPConfig 控制成交量分布画像的构建。
type VWAPConfig struct {
	PeriodMinutes int `mapstructure:"period_minutes"`
	LookbackDays  int `mapstructure:"lookback_days"`
}

// JournalConfig 管理事件流水落盘。
type JournalConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Engine.TickSize <= 0 {
		err = multierr.Append(err, errors.New("engine.tick_size 必须大于0"))
	}
	if c.Engine.BracketEntryExpiry < 0 {
		err = multierr.Append(err, errors.New("engine.bracket_entry_expiry 不能为负"))
	}
	if c.Scheduler.MaxConcurrentCallbacks <= 0 {
		err = multierr.Append(err, errors.New("scheduler.max_concurrent_callbacks 必须大于0"))
	}
	if c.Scheduler.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.shutdown_timeout 必须大于0"))
	}
	if c.Feed.Exchange == "" {
		err = multierr.Append(err, errors.New("feed.exchange 不能为空"))
	}
	if len(c.Feed.Symbols) == 0 {
		err = multierr.Append(err, errors.New("feed.symbols 不能为空"))
	}
	if c.Feed.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("feed.poll_interval 必须大于0"))
	}
	if c.Feed.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("feed.retry.max_attempts 必须大于0"))
	}
	if c.Feed.Retry.MinDelay <= 0 || c.Feed.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("feed.retry.delay 必须为正"))
	}
	if c.Feed.Retry.MinDelay > c.Feed.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("feed.retry.min_delay 不能大于 max_delay"))
	}
	if c.Execution.SlippageBps < 0 {
		err = multierr.Append(err, errors.New("execution.slippage_bps 不能为负"))
	}
	if c.VWAP.PeriodMinutes <= 0 {
		err = multierr.Append(err, errors.New("vwap.period_minutes 必须大于0"))
	}
	if c.VWAP.LookbackDays <= 0 {
		err = multierr.Append(err, errors.New("vwap.lookback_days 必须大于0"))
	}
	if !c.Journal.InMemory && c.Journal.Path == "" {
		err = multierr.Append(err, errors.New("journal.path 不能为空"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.encoding 不支持 %q", c.Logging.Encoding))
	}

	return err
}
