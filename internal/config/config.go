// Package config loads daemon settings from a config file, environment
// variables (IRRIGATIOND_ prefix) and flags, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type MQTT struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
}

type Influx struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

type Config struct {
	DataDir       string        `mapstructure:"data_dir"`
	ActuatorsFile string        `mapstructure:"actuators_file"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	PoolSize      int           `mapstructure:"pool_size"`
	MinRecovery   time.Duration `mapstructure:"min_recovery_remaining"`
	SensorTTL     time.Duration `mapstructure:"sensor_ttl"`
	DryRun        bool          `mapstructure:"dry_run"`
	Simulate      bool          `mapstructure:"simulate"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	LogLevel      string        `mapstructure:"log_level"`

	MQTT   MQTT   `mapstructure:"mqtt"`
	Influx Influx `mapstructure:"influx"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/irrigationd")
	v.SetDefault("actuators_file", "/etc/irrigationd/actuators.json")
	v.SetDefault("tick_interval", time.Minute)
	v.SetDefault("pool_size", 4)
	v.SetDefault("min_recovery_remaining", time.Second)
	v.SetDefault("sensor_ttl", 5*time.Minute)
	v.SetDefault("dry_run", false)
	v.SetDefault("simulate", false)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "irrigationd")
	v.SetDefault("influx.measurement", "dose")
}

// Load reads the config. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IRRIGATIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.TickInterval < time.Second {
		return fmt.Errorf("tick_interval %s is below 1s", c.TickInterval)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	return nil
}

// TrendEnabled reports whether the dose log should mirror to InfluxDB.
func (c Config) TrendEnabled() bool {
	return c.Influx.URL != "" && c.Influx.Token != ""
}
