// Package config provides configuration loading and validation for the
// threatgram collection engine. Values come from defaults, an optional
// config.yaml, and BOT_* environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds every externally supplied knob the engine consumes.
type Config struct {
	LogLevel  string `mapstructure:"log_level"  validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`

	BotToken string `mapstructure:"bot_token" validate:"required"`
	ChatID   int64  `mapstructure:"chat_id"   validate:"required"`

	DBPath     string `mapstructure:"db_path"     validate:"required"`
	ArchiveDir string `mapstructure:"archive_dir" validate:"required"`

	Poll      PollConfig      `mapstructure:"poll"`
	Download  DownloadConfig  `mapstructure:"download"`
	Bulk      BulkConfig      `mapstructure:"bulk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// PollConfig tunes the long-poll update loop.
type PollConfig struct {
	Limit          int           `mapstructure:"limit"           validate:"min=1,max=100"`
	Timeout        time.Duration `mapstructure:"timeout"         validate:"min=1s,max=90s"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=5m"`
	RetryBudget    int           `mapstructure:"retry_budget"    validate:"min=1,max=20"`
}

// DownloadConfig tunes the attachment download pipeline.
type DownloadConfig struct {
	Concurrency int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	Timeout     time.Duration `mapstructure:"timeout"     validate:"min=1s,max=10m"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=1,max=10"`
}

// BulkConfig tunes the mass delete and flood executors. DeleteWindow
// mirrors the provider-imposed maximum age for deletions.
type BulkConfig struct {
	Concurrency  int           `mapstructure:"concurrency"   validate:"min=1,max=64"`
	DeleteWindow time.Duration `mapstructure:"delete_window" validate:"min=1m"`
	FloodDelay   time.Duration `mapstructure:"flood_delay"   validate:"min=0"`
	MaxRetries   int           `mapstructure:"max_retries"   validate:"min=1,max=10"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"  validate:"gt=0"`
}

// SchedulerConfig maps task names to cron schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig describes a single scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Load reads configuration from defaults, config.yaml (optional), and
// BOT_* environment variables, then validates the result.
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("BOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine, defaults plus env cover it.
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")

	viper.SetDefault("db_path", "threatgram.db")
	viper.SetDefault("archive_dir", "downloads")

	viper.SetDefault("poll.limit", 100)
	viper.SetDefault("poll.timeout", 30*time.Second)
	viper.SetDefault("poll.request_timeout", 35*time.Second)
	viper.SetDefault("poll.retry_budget", 5)

	viper.SetDefault("download.concurrency", 4)
	viper.SetDefault("download.timeout", 2*time.Minute)
	viper.SetDefault("download.max_retries", 3)

	viper.SetDefault("bulk.concurrency", 4)
	viper.SetDefault("bulk.delete_window", 48*time.Hour)
	viper.SetDefault("bulk.flood_delay", 500*time.Millisecond)
	viper.SetDefault("bulk.max_retries", 3)
	viper.SetDefault("bulk.rate_per_sec", 20)

	viper.SetDefault("scheduler.tasks.archive_maintenance.enabled", true)
	viper.SetDefault("scheduler.tasks.archive_maintenance.schedule", "0 0 4 * * *")
	viper.SetDefault("scheduler.tasks.capability_audit.enabled", true)
	viper.SetDefault("scheduler.tasks.capability_audit.schedule", "0 0 * * * *")
}
