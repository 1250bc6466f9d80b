// Package config defines the on-disk configuration for the skill evolution
// service and the defaults it falls back to in a zero-config startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level skillevo configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Evolution EvolutionConfig `yaml:"evolution"`
	LLM       LLMConfig       `yaml:"llm"`
	Compile   CompileConfig   `yaml:"compile"`
	Server    ServerConfig    `yaml:"server"`
}

// WorkspaceConfig locates the on-disk layout described in spec §6.
type WorkspaceConfig struct {
	SkillsDir   string `yaml:"skills_dir"`
	RecordsDir  string `yaml:"records_dir"`
	VersionsDir string `yaml:"versions_dir"`
}

// EvolutionConfig carries every option named in spec §6.
type EvolutionConfig struct {
	Enabled            bool           `yaml:"enabled"`
	ErrorThreshold      int            `yaml:"error_threshold"`
	ErrorWindowMinutes  int            `yaml:"error_window_minutes"`
	CooldownMinutes     int            `yaml:"cooldown_minutes"`
	MaxRetries          int            `yaml:"max_retries"`
	LLMTimeoutSecs      int            `yaml:"llm_timeout_secs"`
	MinObservationCalls int            `yaml:"min_observation_calls"`
	TickInterval        string         `yaml:"tick_interval"` // robfig/cron spec, e.g. "@every 1m"
	RolloutStages       []RolloutStage `yaml:"rollout_stages"`
}

// RolloutStage is one entry of the ordered rollout list from spec §3.
type RolloutStage struct {
	Percentage       int     `yaml:"percentage"`
	DurationMinutes  int     `yaml:"duration_minutes"`
	ErrorRateThresh  float64 `yaml:"error_rate_threshold"`
	// Condition optionally overrides the default `error_rate <= threshold`
	// comparison with an explicit CEL boolean expression. Empty means the
	// default comparison is used.
	Condition string `yaml:"condition"`
}

// LLMConfig configures the LLM Bridge's OpenAI-compatible transport.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// CompileConfig configures the default compile-check adapter.
type CompileConfig struct {
	// CheckerCommand is invoked as `<command> <path-to-candidate-source>`.
	// It must exit 0 on success; any non-empty stderr/stdout on failure is
	// relayed verbatim to the LLM as feedback.
	CheckerCommand string `yaml:"checker_command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ServerConfig controls the ambient status feed.
type ServerConfig struct {
	StatusFeedAddr string `yaml:"status_feed_addr"`
}

// DefaultConfig returns the canonical defaults from spec §3/§6.
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			SkillsDir:   "./skills",
			RecordsDir:  "./evolution_records",
			VersionsDir: "./versions",
		},
		Evolution: EvolutionConfig{
			Enabled:             true,
			ErrorThreshold:      1,
			ErrorWindowMinutes:  30,
			CooldownMinutes:     60,
			MaxRetries:          3,
			LLMTimeoutSecs:      300,
			MinObservationCalls: 1,
			TickInterval:        "@every 1m",
			RolloutStages:       DefaultRolloutStages(),
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Compile: CompileConfig{
			CheckerCommand: "rhai-checker",
			TimeoutSeconds: 30,
		},
		Server: ServerConfig{
			StatusFeedAddr: ":7790",
		},
	}
}

// DefaultRolloutStages returns spec §3's canonical default:
// [(1%, 30min, 0.10), (10%, 60min, 0.05), (50%, 120min, 0.02), (100%, 0min, 0.01)].
func DefaultRolloutStages() []RolloutStage {
	return []RolloutStage{
		{Percentage: 1, DurationMinutes: 30, ErrorRateThresh: 0.10},
		{Percentage: 10, DurationMinutes: 60, ErrorRateThresh: 0.05},
		{Percentage: 50, DurationMinutes: 120, ErrorRateThresh: 0.02},
		{Percentage: 100, DurationMinutes: 0, ErrorRateThresh: 0.01},
	}
}

// ErrorWindow returns the configured sliding window as a time.Duration.
func (c EvolutionConfig) ErrorWindow() time.Duration {
	return time.Duration(c.ErrorWindowMinutes) * time.Minute
}

// Cooldown returns the configured cooldown as a time.Duration.
func (c EvolutionConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// LLMTimeout returns the per-call LLM deadline as a time.Duration.
func (c EvolutionConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSecs) * time.Second
}

// Load reads and parses a YAML config file over DefaultConfig(): fields
// absent from the file keep their defaults, and an empty rollout_stages list
// falls back to DefaultRolloutStages(). A missing file is not an error:
// DefaultConfig() is returned unchanged so the service can run zero-config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.Evolution.RolloutStages) == 0 {
		cfg.Evolution.RolloutStages = DefaultRolloutStages()
	}

	return cfg, nil
}
