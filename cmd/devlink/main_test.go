package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setConfigEnv(t *testing.T, path string) {
	t.Helper()
	original := os.Getenv("DEVLINK_CONFIG")
	t.Cleanup(func() { os.Setenv("DEVLINK_CONFIG", original) })
	os.Setenv("DEVLINK_CONFIG", path)
}

// writeConfig drops a config file into a temp dir and points the
// environment at it.
func writeConfig(t *testing.T, content string) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	setConfigEnv(t, configPath)
}

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	setConfigEnv(t, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when the database path
// is cleared.
func TestRun_MissingDatabasePath(t *testing.T) {
	writeConfig(t, `
database:
  path: ""

mqtt:
  enabled: false

logging:
  level: error
  format: text

security:
  jwt:
    secret: "test-secret-0123456789-0123456789-ok"
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_StartsAndStops boots the full stack against a temp database
// and shuts it down via context cancellation.
func TestRun_StartsAndStops(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, `
database:
  path: "`+filepath.Join(dir, "devlink.db")+`"

mqtt:
  enabled: false

api:
  host: "127.0.0.1"
  port: 18923

logging:
  level: error
  format: text

security:
  jwt:
    secret: "test-secret-0123456789-0123456789-ok"
`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() = %v, want clean shutdown", err)
	}
}

// TestGetConfigPath_Default verifies the default config path.
func TestGetConfigPath_Default(t *testing.T) {
	original := os.Getenv("DEVLINK_CONFIG")
	defer os.Setenv("DEVLINK_CONFIG", original)
	os.Unsetenv("DEVLINK_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies the environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	setConfigEnv(t, expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}
