package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Evolution.ErrorThreshold != 1 {
		t.Errorf("ErrorThreshold = %d, want 1", cfg.Evolution.ErrorThreshold)
	}
	if cfg.Evolution.ErrorWindowMinutes != 30 {
		t.Errorf("ErrorWindowMinutes = %d, want 30", cfg.Evolution.ErrorWindowMinutes)
	}
	if cfg.Evolution.CooldownMinutes != 60 {
		t.Errorf("CooldownMinutes = %d, want 60", cfg.Evolution.CooldownMinutes)
	}
	if cfg.Evolution.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Evolution.MaxRetries)
	}
	if !cfg.Evolution.Enabled {
		t.Error("expected Enabled=true by default")
	}
	if len(cfg.Evolution.RolloutStages) != 4 {
		t.Fatalf("expected 4 default rollout stages, got %d", len(cfg.Evolution.RolloutStages))
	}
	if cfg.Evolution.RolloutStages[0].ErrorRateThresh != 0.10 {
		t.Errorf("first stage threshold = %v, want 0.10", cfg.Evolution.RolloutStages[0].ErrorRateThresh)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Evolution.ErrorThreshold != 1 {
		t.Errorf("expected default config on missing file, got %+v", cfg.Evolution)
	}
}

func TestLoad_PartialOverrideKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skillevo.yaml")
	yamlBody := "evolution:\n  error_threshold: 5\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Evolution.ErrorThreshold != 5 {
		t.Errorf("ErrorThreshold = %d, want 5 (overridden)", cfg.Evolution.ErrorThreshold)
	}
	if cfg.Evolution.CooldownMinutes != 60 {
		t.Errorf("CooldownMinutes = %d, want 60 (default preserved)", cfg.Evolution.CooldownMinutes)
	}
	if len(cfg.Evolution.RolloutStages) != 4 {
		t.Errorf("expected rollout stages to still default, got %d entries", len(cfg.Evolution.RolloutStages))
	}
}

func TestEvolutionConfig_DurationHelpers(t *testing.T) {
	cfg := EvolutionConfig{ErrorWindowMinutes: 30, CooldownMinutes: 60, LLMTimeoutSecs: 300}
	if cfg.ErrorWindow().Minutes() != 30 {
		t.Errorf("ErrorWindow = %v, want 30m", cfg.ErrorWindow())
	}
	if cfg.Cooldown().Minutes() != 60 {
		t.Errorf("Cooldown = %v, want 60m", cfg.Cooldown())
	}
	if cfg.LLMTimeout().Seconds() != 300 {
		t.Errorf("LLMTimeout = %v, want 300s", cfg.LLMTimeout())
	}
}
