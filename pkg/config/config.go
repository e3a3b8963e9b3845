// Package config loads mnemo configuration from an optional YAML file
// with MNEMO_* environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir   string `yaml:"data_dir" env:"MNEMO_DATA_DIR"`
	LogLevel  string `yaml:"log_level" env:"MNEMO_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"MNEMO_LOG_FORMAT"`

	Anthropic  Anthropic  `yaml:"anthropic"`
	Memory     Memory     `yaml:"memory"`
	Reflection Reflection `yaml:"reflection"`
	Grounding  Grounding  `yaml:"grounding"`
}

type Anthropic struct {
	APIKey    string `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
	Model     string `yaml:"model" env:"MNEMO_ANTHROPIC_MODEL"`
	MaxTokens int64  `yaml:"max_tokens" env:"MNEMO_ANTHROPIC_MAX_TOKENS"`
}

type Memory struct {
	ImportanceThreshold float64 `yaml:"importance_threshold" env:"MNEMO_IMPORTANCE_THRESHOLD"`
	IdenticalThreshold  float64 `yaml:"identical_threshold" env:"MNEMO_IDENTICAL_THRESHOLD"`
	RecentWindow        int     `yaml:"recent_window" env:"MNEMO_RECENT_WINDOW"`
}

type Reflection struct {
	// ScheduleEnabled turns the background reflection timer on. Off by
	// default: the message-count trigger and explicit runs always work.
	ScheduleEnabled  bool `yaml:"schedule_enabled" env:"MNEMO_REFLECTION_SCHEDULE_ENABLED"`
	MessageThreshold int  `yaml:"message_threshold" env:"MNEMO_REFLECTION_MESSAGE_THRESHOLD"`
	IntervalSeconds  int  `yaml:"interval_seconds" env:"MNEMO_REFLECTION_INTERVAL_SECONDS"`
	// CronSpec schedules reflection by cron expression instead of a fixed
	// interval.
	CronSpec        string  `yaml:"cron_spec" env:"MNEMO_REFLECTION_CRON"`
	RetentionDays   int     `yaml:"retention_days" env:"MNEMO_RETENTION_DAYS"`
	ImportanceFloor float64 `yaml:"importance_floor" env:"MNEMO_IMPORTANCE_FLOOR"`
}

type Grounding struct {
	MaxFacts        int `yaml:"max_facts" env:"MNEMO_GROUNDING_MAX_FACTS"`
	MaxEpisodes     int `yaml:"max_episodes" env:"MNEMO_GROUNDING_MAX_EPISODES"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" env:"MNEMO_GROUNDING_CACHE_TTL_SECONDS"`
}

func Default() Config {
	return Config{
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
		Anthropic: Anthropic{
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 1024,
		},
		Memory: Memory{
			ImportanceThreshold: 0.6,
			IdenticalThreshold:  0.82,
			RecentWindow:        5,
		},
		Reflection: Reflection{
			MessageThreshold: 20,
			IntervalSeconds:  1800,
			RetentionDays:    30,
			ImportanceFloor:  0.3,
		},
		Grounding: Grounding{
			MaxFacts:        5,
			MaxEpisodes:     3,
			CacheTTLSeconds: 120,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// one exists, then environment overrides. An empty path skips the file
// step entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional file
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Memory.ImportanceThreshold < 0 || c.Memory.ImportanceThreshold > 1 {
		return fmt.Errorf("importance_threshold %v out of range [0,1]", c.Memory.ImportanceThreshold)
	}
	if c.Memory.IdenticalThreshold < 0 || c.Memory.IdenticalThreshold > 1 {
		return fmt.Errorf("identical_threshold %v out of range [0,1]", c.Memory.IdenticalThreshold)
	}
	if c.Reflection.CronSpec != "" && !gronx.New().IsValid(c.Reflection.CronSpec) {
		return fmt.Errorf("invalid reflection cron_spec %q", c.Reflection.CronSpec)
	}
	if c.Reflection.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	return nil
}
