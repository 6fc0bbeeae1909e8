package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "execbot"
)

// Load 读取配置文件并结合环境变量返回 Config。
// API 凭证统一走 BINANCE_API_KEY / BINANCE_API_SECRET 两个环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	// 与原始脚本保持一致的凭证环境变量名。
	_ = v.BindEnv("exchange.api_key", "BINANCE_API_KEY")
	_ = v.BindEnv("exchange.api_secret", "BINANCE_API_SECRET")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.use_sandbox", true)
	v.SetDefault("exchange.filter.step_size", 0.001)
	v.SetDefault("exchange.filter.min_quantity", 0.001)
	v.SetDefault("exchange.filter.max_quantity", 1000.0)
	v.SetDefault("exchange.filter.min_notional", 0.0)

	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.backoff_base", "500ms")
	v.SetDefault("execution.backoff_cap", "5s")
	v.SetDefault("execution.time_in_force", "GTC")

	v.SetDefault("twap.max_slices", 50)
	v.SetDefault("twap.max_interval", "300s")

	v.SetDefault("database.path", "data/execbot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
