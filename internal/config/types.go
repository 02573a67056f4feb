package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商 API 连接信息。
type BrokerConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retry    RetryConfig   `mapstructure:"retry"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

// RetryConfig 统一控制只读请求的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BreakerConfig 控制熔断器行为。
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// RiskConfig 管理风控默认阈值与受管账户。
type RiskConfig struct {
	Accounts                     []string `mapstructure:"accounts"`
	MaxDailyTotalLoss            float64  `mapstructure:"max_daily_total_loss"`
	MaxDailyLossPerPosition      float64  `mapstructure:"max_daily_loss_per_position"`
	PerPositionDailyProfitTarget float64  `mapstructure:"per_position_daily_profit_target"`
	MaxDailyTotalProfitTarget    float64  `mapstructure:"max_daily_total_profit_target"`
	LockHour                     int      `mapstructure:"lock_hour"`
}

// SchedulerConfig 控制风控轮询节奏。
type SchedulerConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MaxConcurrentAccounts int           `mapstructure:"max_concurrent_accounts"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 控制对外 HTTP 接口。
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.BaseURL == "" {
		err = multierr.Append(err, errors.New("broker.base_url 不能为空"))
	}
	if c.Broker.Timeout <= 0 {
		err = multierr.Append(err, errors.New("broker.timeout 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Broker.Breaker.FailureThreshold <= 0 {
		err = multierr.Append(err, errors.New("broker.breaker.failure_threshold 必须大于0"))
	}
	if c.Broker.Breaker.ResetTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.breaker.reset_timeout 必须大于0"))
	}
	if len(c.Risk.Accounts) == 0 {
		err = multierr.Append(err, errors.New("risk.accounts 至少包含一个账户"))
	}
	if c.Risk.MaxDailyTotalLoss < 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_total_loss 不能为负"))
	}
	if c.Risk.MaxDailyLossPerPosition < 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_per_position 不能为负"))
	}
	if c.Risk.PerPositionDailyProfitTarget < 0 {
		err = multierr.Append(err, errors.New("risk.per_position_daily_profit_target 不能为负"))
	}
	if c.Risk.MaxDailyTotalProfitTarget < 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_total_profit_target 不能为负"))
	}
	if c.Risk.LockHour < 0 || c.Risk.LockHour > 23 {
		err = multierr.Append(err, errors.New("risk.lock_hour 必须位于[0,23]"))
	}
	if c.Scheduler.PollInterval < time.Second {
		err = multierr.Append(err, errors.New("scheduler.poll_interval 不应小于1s"))
	}
	if c.Scheduler.MaxConcurrentAccounts <= 0 {
		err = multierr.Append(err, errors.New("scheduler.max_concurrent_accounts 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
