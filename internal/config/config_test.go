package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Loop.MaxIterations != 12 || cfg.Loop.RateLimitRetries != 3 {
		t.Fatalf("loop config = %+v", cfg.Loop)
	}
	if cfg.Compaction.MaxFrames != 40 {
		t.Fatalf("compaction config = %+v", cfg.Compaction)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	content := `
server:
  addr: ":9000"
provider:
  name: openai
loop:
  max_iterations: 5
  rate_limit_delay: 500ms
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Provider.Name != "openai" {
		t.Fatalf("provider = %q", cfg.Provider.Name)
	}
	if cfg.Loop.MaxIterations != 5 || cfg.Loop.RateLimitDelay.Std() != 500*time.Millisecond {
		t.Fatalf("loop = %+v", cfg.Loop)
	}
	// Untouched sections keep defaults.
	if cfg.Compaction.Cooldown.Std() != 2*time.Minute {
		t.Fatalf("cooldown = %v", cfg.Compaction.Cooldown)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("STRAND_ADDR", ":7000")
	t.Setenv("STRAND_MAX_ITERATIONS", "4")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Loop.MaxIterations != 4 {
		t.Fatalf("max iterations = %d", cfg.Loop.MaxIterations)
	}
	if cfg.Provider.APIKey != "sk-ant-test" {
		t.Fatalf("api key not picked up from environment")
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("STRAND_PROVIDER", "mystery")
	if _, err := Load(""); err == nil {
		t.Fatal("Load() expected error for unknown provider")
	}
}
