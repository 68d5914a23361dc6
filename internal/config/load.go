package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the YAML config at path and applies TASBIH_* environment
// overrides (e.g. TASBIH_BACKEND_AUTH_TOKEN).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TASBIH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("queue_storage.type", "sqlite")
	v.SetDefault("queue_storage.file_path", "tasbih-queue.db")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("sync.flush_schedule", "@every 30s")
	v.SetDefault("sync.backoff_min", "1s")
	v.SetDefault("sync.backoff_max", "60s")
	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.prune_schedule", "@daily")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueStorage.Type {
	case "sqlite":
		if c.QueueStorage.FilePath == "" {
			return fmt.Errorf("queue_storage.file_path is required for sqlite")
		}
	case "mysql":
		if c.QueueStorage.Host == "" || c.QueueStorage.Database == "" {
			return fmt.Errorf("queue_storage.host and queue_storage.database are required for mysql")
		}
	default:
		return fmt.Errorf("unsupported queue_storage.type %q", c.QueueStorage.Type)
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be positive")
	}
	return nil
}
