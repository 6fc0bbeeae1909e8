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
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Twap      TwapConfig      `mapstructure:"twap"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。API 密钥仅通过环境变量
// BINANCE_API_KEY / BINANCE_API_SECRET 注入，不写入配置文件。
type ExchangeConfig struct {
	Name       string       `mapstructure:"name"`
	APIKey     string       `mapstructure:"api_key"`
	APISecret  string       `mapstructure:"api_secret"`
	UseSandbox bool         `mapstructure:"use_sandbox"`
	Filter     FilterConfig `mapstructure:"filter"`
}

// FilterConfig 为交易对约束的兜底值，市场元数据可用时以元数据为准。
type FilterConfig struct {
	StepSize    float64 `mapstructure:"step_size"`
	MinQuantity float64 `mapstructure:"min_quantity"`
	MaxQuantity float64 `mapstructure:"max_quantity"`
	MinNotional float64 `mapstructure:"min_notional"`
}

// ExecutionConfig 控制执行引擎的重试与退避策略。
type ExecutionConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	TimeInForce string        `mapstructure:"time_in_force"`
}

// TwapConfig 限制 TWAP 策略的切片规模。
type TwapConfig struct {
	MaxSlices   int           `mapstructure:"max_slices"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// DatabaseConfig 管理审计存储连接。
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

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Filter.StepSize <= 0 {
		err = multierr.Append(err, errors.New("exchange.filter.step_size 必须大于0"))
	}
	if c.Exchange.Filter.MinQuantity <= 0 {
		err = multierr.Append(err, errors.New("exchange.filter.min_quantity 必须大于0"))
	}
	if c.Exchange.Filter.MaxQuantity <= 0 {
		err = multierr.Append(err, errors.New("exchange.filter.max_quantity 必须大于0"))
	}
	if c.Exchange.Filter.MinQuantity > c.Exchange.Filter.MaxQuantity {
		err = multierr.Append(err, errors.New("exchange.filter.min_quantity 不能大于 max_quantity"))
	}
	if c.Execution.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("execution.max_retries 不能为负"))
	}
	if c.Execution.BackoffBase <= 0 || c.Execution.BackoffCap <= 0 {
		err = multierr.Append(err, errors.New("execution.backoff 必须为正"))
	}
	if c.Execution.BackoffBase > c.Execution.BackoffCap {
		err = multierr.Append(err, errors.New("execution.backoff_base 不能大于 backoff_cap"))
	}
	if c.Twap.MaxSlices <= 0 {
		err = multierr.Append(err, errors.New("twap.max_slices 必须大于0"))
	}
	if c.Twap.MaxInterval <= 0 {
		err = multierr.Append(err, errors.New("twap.max_interval 必须大于0"))
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

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// ValidateCredentials 校验 API 凭证是否就绪。凭证缺失属于启动期致命错误，
// 不作为订单错误处理。
func (c *Config) ValidateCredentials() error {
	var err error
	if c.Exchange.APIKey == "" {
		err = multierr.Append(err, errors.New("环境变量 BINANCE_API_KEY 未设置"))
	}
	if c.Exchange.APISecret == "" {
		err = multierr.Append(err, errors.New("环境变量 BINANCE_API_SECRET 未设置"))
	}
	if err != nil {
		return fmt.Errorf("凭证校验失败: %w", err)
	}
	return nil
}
