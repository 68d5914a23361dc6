package config

import (
	"time"
)

type Config struct {
	QueueStorage QueueStorage    `mapstructure:"queue_storage"`
	Backend      BackendConfig   `mapstructure:"backend"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Retention    RetentionConfig `mapstructure:"retention"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// QueueStorage selects the durable backing store for the offline event
// queue. SQLite is the normal on-device choice; MySQL is supported for
// deployments where the sidecar runs next to a host-local database.
type QueueStorage struct {
	Type     string `mapstructure:"type"` // "sqlite" or "mysql"
	FilePath string `mapstructure:"file_path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type BackendConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	Timeout   string `mapstructure:"timeout"`
}

func (b BackendConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

type SyncConfig struct {
	FlushSchedule string `mapstructure:"flush_schedule"` // cron spec, e.g. "@every 30s"
	BackoffMin    string `mapstructure:"backoff_min"`
	BackoffMax    string `mapstructure:"backoff_max"`
}

func (s SyncConfig) GetBackoffMin() time.Duration {
	d, err := time.ParseDuration(s.BackoffMin)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

func (s SyncConfig) GetBackoffMax() time.Duration {
	d, err := time.ParseDuration(s.BackoffMax)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

type RetentionConfig struct {
	Days          int    `mapstructure:"days"`
	PruneSchedule string `mapstructure:"prune_schedule"` // cron spec, e.g. "@daily"
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
