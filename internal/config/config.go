package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "riskd"
)

// Load 读取配置文件并结合环境变量返回 Config。
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

	v.SetDefault("broker.base_url", "https://sandbox.dhan.co/v2/")
	v.SetDefault("broker.api_key", "")
	v.SetDefault("broker.client_id", "")
	v.SetDefault("broker.timeout", "5s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "200ms")
	v.SetDefault("broker.retry.max_delay", "2s")
	v.SetDefault("broker.breaker.failure_threshold", 5)
	v.SetDefault("broker.breaker.reset_timeout", "30s")

	v.SetDefault("risk.accounts", []string{"default"})
	v.SetDefault("risk.max_daily_total_loss", 1200.0)
	v.SetDefault("risk.max_daily_loss_per_position", 200.0)
	v.SetDefault("risk.per_position_daily_profit_target", 500.0)
	v.SetDefault("risk.max_daily_total_profit_target", 2200.0)
	v.SetDefault("risk.lock_hour", 17)

	v.SetDefault("scheduler.poll_interval", "2s")
	v.SetDefault("scheduler.max_concurrent_accounts", 4)

	v.SetDefault("database.path", "data/riskd.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.port", 8080)
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
