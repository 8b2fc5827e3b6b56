package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.MaxContextTokens != 32_000 {
		t.Errorf("expected 32000, got %d", cfg.MaxContextTokens)
	}
	if cfg.DefaultGraphID != "default" {
		t.Errorf("expected default graph id, got %s", cfg.DefaultGraphID)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
system_prompt = "be concise"
max_context_tokens = 8000
`), 0644)

	cfg := Load(path)
	if cfg.SystemPrompt != "be concise" {
		t.Errorf("expected overridden prompt, got %s", cfg.SystemPrompt)
	}
	if cfg.MaxContextTokens != 8000 {
		t.Errorf("expected 8000, got %d", cfg.MaxContextTokens)
	}
	// Defaults preserved
	if cfg.SummaryCushionTokens != 2_000 {
		t.Errorf("expected default preserved, got %d", cfg.SummaryCushionTokens)
	}
}

func TestEnvOverridesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`system_prompt = "from toml"`), 0644)

	t.Setenv("SYSTEM_PROMPT", "from env")
	t.Setenv("MAX_CONTEXT_TOKENS", "16000")

	cfg := Load(path)
	if cfg.SystemPrompt != "from env" {
		t.Errorf("expected env to win, got %s", cfg.SystemPrompt)
	}
	if cfg.MaxContextTokens != 16000 {
		t.Errorf("expected 16000, got %d", cfg.MaxContextTokens)
	}
}
