// Package config loads and validates application configuration from a YAML
// file layered under environment variable overrides. Load fails fast: a
// missing required field or an out-of-range value is an error, never a
// silently accepted partial configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SkipPatterns excludes matching PRs from processing. Filters never mutate
// anything on the hosting platform.
type SkipPatterns struct {
	PRLabels   []string `mapstructure:"pr_labels"`
	CheckNames []string `mapstructure:"check_names" validate:"dive,min=1"` // glob patterns
	Authors    []string `mapstructure:"authors"`
}

// Escalation holds the thresholds that force a PR or repository over to
// human review.
type Escalation struct {
	ConsecutiveFailures int     `mapstructure:"consecutive_failures" validate:"min=1"`
	TimeInStateSeconds  int     `mapstructure:"time_in_state_s" validate:"min=1"`
	CostPerPR           float64 `mapstructure:"cost_per_pr" validate:"min=0"`
}

// RepoOverride is a per-repository configuration override, keyed by full name.
type RepoOverride struct {
	FullName     string            `mapstructure:"full_name" validate:"required"`
	Provider     string            `mapstructure:"provider" validate:"required,oneof=github gitea"`
	PollInterval *time.Duration    `mapstructure:"poll_interval"`
	Priority     string            `mapstructure:"priority" validate:"omitempty,oneof=critical high normal low"`
	Overrides    map[string]string `mapstructure:"overrides"`
}

// Config is the fully decoded and validated application configuration.
type Config struct {
	ListenAddr      string `mapstructure:"listen_addr" validate:"required"`
	DBPath          string `mapstructure:"db_path" validate:"required"`
	RedisAddr       string `mapstructure:"redis_addr"`
	SecretKeyHex    string `mapstructure:"secret_key_hex" validate:"omitempty,len=64,hexadecimal"`

	PollingIntervalSeconds     int `mapstructure:"polling_interval_s" validate:"min=1"`
	MaxConcurrentRepositories  int `mapstructure:"max_concurrent_repositories" validate:"min=5,max=50"`
	MaxPRsPerRepository        int `mapstructure:"max_prs_per_repository" validate:"min=1"`
	CacheTTLSeconds            int `mapstructure:"cache_ttl_s" validate:"min=0"`
	UseConditionalRequests     bool `mapstructure:"use_conditional_requests"`
	CycleDeadlineSeconds       int `mapstructure:"cycle_deadline_s" validate:"min=1"`
	BatchSize                  int `mapstructure:"batch_size" validate:"min=1"`

	AutoFixConfidence  float64 `mapstructure:"auto_fix_confidence" validate:"min=0,max=1"`
	MaxFixAttempts     int     `mapstructure:"max_fix_attempts" validate:"min=1"`
	ReviewerTimeoutSeconds  int `mapstructure:"reviewer_timeout_s" validate:"min=1"`
	ReviewerMaxRetries int     `mapstructure:"reviewer_max_retries" validate:"min=0"`

	AutoFixableCategories []string `mapstructure:"auto_fixable_categories"`
	NeverAutoFixCategories []string `mapstructure:"never_auto_fix_categories"`

	SkipPatterns SkipPatterns   `mapstructure:"skip_patterns"`
	Escalation   Escalation     `mapstructure:"escalation" validate:"required"`
	Repositories []RepoOverride `mapstructure:"repositories" validate:"dive"`

	SlackChannel string `mapstructure:"slack_channel"`

	GitHubUsername string `mapstructure:"github_username"`
}

// PollingInterval returns PollingIntervalSeconds as a time.Duration.
func (c Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// CycleDeadline returns CycleDeadlineSeconds as a time.Duration.
func (c Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSeconds) * time.Second
}

// ReviewerTimeout returns ReviewerTimeoutSeconds as a time.Duration.
func (c Config) ReviewerTimeout() time.Duration {
	return time.Duration(c.ReviewerTimeoutSeconds) * time.Second
}

// IsAutoFixable reports whether category is pre-approved for automation and
// not in the never-auto-fix set. Security is always excluded regardless of
// configuration.
func (c Config) IsAutoFixable(category string) bool {
	category = strings.ToLower(category)
	if category == "security" {
		return false
	}
	for _, never := range c.NeverAutoFixCategories {
		if strings.EqualFold(never, category) {
			return false
		}
	}
	for _, ok := range c.AutoFixableCategories {
		if strings.EqualFold(ok, category) {
			return true
		}
	}
	return false
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("db_path", "prmonitor.db")
	v.SetDefault("redis_addr", "127.0.0.1:6379")

	// Keys with no meaningful default still need to be registered so
	// AutomaticEnv can surface their env overrides during Unmarshal.
	v.SetDefault("github_username", "")
	v.SetDefault("slack_channel", "")
	v.SetDefault("secret_key_hex", "")

	v.SetDefault("polling_interval_s", 300)
	v.SetDefault("max_concurrent_repositories", 10)
	v.SetDefault("max_prs_per_repository", 1000)
	v.SetDefault("cache_ttl_s", 300)
	v.SetDefault("use_conditional_requests", true)
	v.SetDefault("cycle_deadline_s", 300)
	v.SetDefault("batch_size", 100)

	v.SetDefault("auto_fix_confidence", 0.80)
	v.SetDefault("max_fix_attempts", 3)
	v.SetDefault("reviewer_timeout_s", 30)
	v.SetDefault("reviewer_max_retries", 3)

	v.SetDefault("auto_fixable_categories", []string{"lint", "formatting", "dependency_bump"})
	v.SetDefault("never_auto_fix_categories", []string{"security"})

	v.SetDefault("escalation.consecutive_failures", 5)
	v.SetDefault("escalation.time_in_state_s", 7200)
	v.SetDefault("escalation.cost_per_pr", 10.0)
}

// Load reads configuration from the hard-coded defaults above, then an
// optional YAML file at path (skipped if empty or missing), then environment
// variables prefixed PRMONITOR_, each layer overriding the one before, and
// validates the result. github_username (env PRMONITOR_GITHUB_USERNAME) is
// required.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("prmonitor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file %q: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.GitHubUsername == "" {
		return nil, fmt.Errorf("github_username (env PRMONITOR_GITHUB_USERNAME) is required but not set")
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
