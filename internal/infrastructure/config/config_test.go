package config

import (
	"os"
	"path/filepath"
	"testing"
)

// validJWTSecret meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
  region: "eu-west"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
api:
  host: "0.0.0.0"
  port: 8080
gateway:
  max_connections: 500
devices:
  - id: "d1"
    name: "Valve"
    protocol: "modbus-tcp"
    params:
      host: "10.0.0.5"
      port: "502"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Site.Region != "eu-west" {
		t.Errorf("Site.Region = %q, want %q", cfg.Site.Region, "eu-west")
	}
	if cfg.Gateway.MaxConnections != 500 {
		t.Errorf("Gateway.MaxConnections = %d, want 500", cfg.Gateway.MaxConnections)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Protocol != "modbus-tcp" {
		t.Errorf("Devices = %+v, want one modbus-tcp device", cfg.Devices)
	}
	if cfg.Devices[0].Params["host"] != "10.0.0.5" {
		t.Errorf("Devices[0].Params[host] = %q, want %q", cfg.Devices[0].Params["host"], "10.0.0.5")
	}

	// Defaults survive partial files.
	if cfg.Gateway.Path != "/ws" {
		t.Errorf("Gateway.Path = %q, want default %q", cfg.Gateway.Path, "/ws")
	}
	if cfg.Adapters.BatchSize != 10 {
		t.Errorf("Adapters.BatchSize = %d, want default 10", cfg.Adapters.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
`
	t.Setenv("DEVLINK_JWT_SECRET", validJWTSecret)
	t.Setenv("DEVLINK_DATABASE_PATH", "/tmp/override.db")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Security.JWT.Secret != validJWTSecret {
		t.Errorf("JWT.Secret not taken from environment")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.JWT.Secret = validJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "empty site id",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: true,
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: true,
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: true,
		},
		{
			name:    "zero max connections",
			mutate:  func(c *Config) { c.Gateway.MaxConnections = 0 },
			wantErr: true,
		},
		{
			name: "inverted ping bounds",
			mutate: func(c *Config) {
				c.Gateway.PingIntervalMin = 60
				c.Gateway.PingIntervalMax = 10
			},
			wantErr: true,
		},
		{
			name: "duplicate device ids",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{
					{ID: "d1", Protocol: "serial"},
					{ID: "d1", Protocol: "ble"},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
