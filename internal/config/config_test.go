package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "JWT_SECRET",
		"MEMORY_DEFAULT_TTL_SECONDS", "MAX_MEMORIES_PER_USER",
		"LIMITS_FILE", "SWEEP_INTERVAL_MINUTES",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()

	if cfg.Port != "3001" {
		t.Errorf("Expected default port 3001, got %s", cfg.Port)
	}
	if cfg.DefaultTTLSeconds != 86400 {
		t.Errorf("Expected default TTL 86400, got %d", cfg.DefaultTTLSeconds)
	}
	if cfg.MaxMemoriesPerUser != 10000 {
		t.Errorf("Expected default quota 10000, got %d", cfg.MaxMemoriesPerUser)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MEMORY_DEFAULT_TTL_SECONDS", "3600")
	t.Setenv("MAX_MEMORIES_PER_USER", "50")

	cfg := Load()

	if cfg.Port != "9000" {
		t.Errorf("Expected port 9000, got %s", cfg.Port)
	}
	if cfg.DefaultTTLSeconds != 3600 {
		t.Errorf("Expected TTL 3600, got %d", cfg.DefaultTTLSeconds)
	}
	if cfg.MaxMemoriesPerUser != 50 {
		t.Errorf("Expected quota 50, got %d", cfg.MaxMemoriesPerUser)
	}
}

func TestLoadIntEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_MEMORIES_PER_USER", "not-a-number")

	cfg := Load()

	if cfg.MaxMemoriesPerUser != 10000 {
		t.Errorf("Expected fallback to default on bad value, got %d", cfg.MaxMemoriesPerUser)
	}
}

func TestLoadLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := "max_memories_per_user: 500\ndefault_ttl_seconds: 7200\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write limits file: %v", err)
	}

	limits, err := LoadLimits(path)
	if err != nil {
		t.Fatalf("LoadLimits failed: %v", err)
	}
	if limits.MaxMemoriesPerUser != 500 {
		t.Errorf("Expected quota 500, got %d", limits.MaxMemoriesPerUser)
	}
	if limits.DefaultTTLSeconds != 7200 {
		t.Errorf("Expected TTL 7200, got %d", limits.DefaultTTLSeconds)
	}
}

func TestLoadLimitsErrors(t *testing.T) {
	if _, err := LoadLimits(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("max_memories_per_user: [oops"), 0o644); err != nil {
		t.Fatalf("Failed to write limits file: %v", err)
	}
	if _, err := LoadLimits(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}
