// Package config loads the service configuration from a YAML file with
// environment overrides, and hot-reloads a small set of runtime knobs
// when the file changes on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr      string  `mapstructure:"addr"`
	AdminAddr string  `mapstructure:"admin_addr"`
	AuthToken string  `mapstructure:"auth_token"`
	RateRPS   float64 `mapstructure:"rate_rps"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type StorageConfig struct {
	TaskDBPath    string `mapstructure:"task_db_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
}

type AgentConfig struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CleanupAge      time.Duration `mapstructure:"cleanup_age"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file from CONFIG_PATH (default
// config/agentd.yaml). A missing file is not an error; defaults and env
// overrides still apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/agentd.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_addr", ":8081")
	v.SetDefault("server.rate_rps", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("storage.task_db_path", "data/tasks.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("agent.sweep_interval", time.Minute)
	v.SetDefault("agent.cleanup_interval", time.Hour)
	v.SetDefault("agent.cleanup_age", 30*24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	applyEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto config
// keys. Env wins over file values.
func applyEnvOverrides(v *viper.Viper) {
	overrides := map[string]string{
		"AGENT_ADDR":       "server.addr",
		"AGENT_ADMIN_ADDR": "server.admin_addr",
		"AGENT_AUTH_TOKEN": "server.auth_token",
		"TASK_DB_PATH":     "storage.task_db_path",
		"REDIS_ADDR":       "storage.redis_addr",
		"REDIS_PASSWORD":   "storage.redis_password",
		"SWEEP_INTERVAL":   "agent.sweep_interval",
		"LOG_LEVEL":        "logging.level",
		"LOG_FORMAT":       "logging.format",
	}
	for env, key := range overrides {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
}
