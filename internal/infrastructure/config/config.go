package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Devlink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Adapters AdapterConfig  `yaml:"adapters"`
	Devices  []DeviceConfig `yaml:"devices"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
}

// DatabaseConfig contains SQLite database settings for the device state store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for the optional MQTT event egress.
// When Enabled is false no broker connection is attempted and device
// events are delivered to WebSocket subscribers only.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP server settings for the WebSocket upgrade
// endpoint and the health/status/metrics surface.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// GatewayConfig contains WebSocket gateway settings.
type GatewayConfig struct {
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
	MaxMessageSize int    `yaml:"max_message_size"`

	// Outbound message queueing.
	QueueSize    int `yaml:"queue_size"`     // per-connection bounded queue
	BatchTickMs  int `yaml:"batch_tick_ms"`  // batch processor tick
	BatchPerTick int `yaml:"batch_per_tick"` // messages drained per connection per tick

	// Heartbeat bounds for the adaptive ping scheduler (seconds).
	PingInterval    int `yaml:"ping_interval"`
	PingIntervalMin int `yaml:"ping_interval_min"`
	PingIntervalMax int `yaml:"ping_interval_max"`
	PongTimeout     int `yaml:"pong_timeout"`
}

// AdapterConfig contains defaults applied to every protocol adapter
// unless overridden per device.
type AdapterConfig struct {
	CommandTimeout int    `yaml:"command_timeout"`  // seconds
	ConnectTimeout int    `yaml:"connect_timeout"`  // seconds
	MaxRetries     int    `yaml:"max_retries"`      // per-command retry budget
	BatchSize      int    `yaml:"batch_size"`       // queue flush threshold
	BatchTimeoutMs int    `yaml:"batch_timeout_ms"` // queue flush delay
	Reconnect      bool   `yaml:"reconnect"`
	MaxReconnects  int    `yaml:"max_reconnects"`
	ReconnectDelay int    `yaml:"reconnect_delay"` // initial backoff, seconds
	CompressionMin int    `yaml:"compression_min"` // payload bytes before gzip kicks in
	EncryptionKey  string `yaml:"encryption_key"`  // hex-encoded AES-256 key, empty disables
}

// DeviceConfig declares one device the hub should manage.
// Params carries transport-specific settings (serial port, host, slave id,
// BLE name/service, ...) interpreted by the selected protocol adapter.
type DeviceConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Protocol string            `yaml:"protocol"`
	Params   map[string]string `yaml:"params"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains authentication and abuse-protection settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	DDoS      DDoSConfig      `yaml:"ddos"`
}

// JWTConfig contains JWT token verification settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// RateLimitConfig contains per-connection sliding-window limits.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxRequests int  `yaml:"max_requests"`
	WindowMs    int  `yaml:"window_ms"`
}

// DDoSConfig contains connection-attempt protection settings.
type DDoSConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxAttempts  int  `yaml:"max_attempts"`  // connection attempts per source per window
	WindowMs     int  `yaml:"window_ms"`     // rolling window size
	BlacklistMax int  `yaml:"blacklist_max"` // bounded blacklist capacity
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVLINK_SECTION_KEY
// For example: DEVLINK_DATABASE_PATH, DEVLINK_JWT_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:     "site-001",
			Name:   "Devlink",
			Region: "default",
		},
		Database: DatabaseConfig{
			Path:        "./data/devlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Gateway: GatewayConfig{
			Path:            "/ws",
			MaxConnections:  10000,
			MaxMessageSize:  8192,
			QueueSize:       256,
			BatchTickMs:     50,
			BatchPerTick:    16,
			PingInterval:    30,
			PingIntervalMin: 5,
			PingIntervalMax: 120,
			PongTimeout:     10,
		},
		Adapters: AdapterConfig{
			CommandTimeout: 5,
			ConnectTimeout: 10,
			MaxRetries:     2,
			BatchSize:      10,
			BatchTimeoutMs: 100,
			Reconnect:      true,
			MaxReconnects:  5,
			ReconnectDelay: 5,
			CompressionMin: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:     true,
				MaxRequests: 100,
				WindowMs:    60000,
			},
			DDoS: DDoSConfig{
				Enabled:      true,
				MaxAttempts:  20,
				WindowMs:     60000,
				BlacklistMax: 4096,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DEVLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DEVLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// JWT secret (always override in production)
	if v := os.Getenv("DEVLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("DEVLINK_ENCRYPTION_KEY"); v != "" {
		cfg.Adapters.EncryptionKey = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Gateway.MaxConnections < 1 {
		errs = append(errs, "gateway.max_connections must be positive")
	}
	if c.Gateway.QueueSize < 1 {
		errs = append(errs, "gateway.queue_size must be positive")
	}
	if c.Gateway.PingIntervalMin > c.Gateway.PingIntervalMax {
		errs = append(errs, "gateway.ping_interval_min must not exceed gateway.ping_interval_max")
	}

	// JWT secret is REQUIRED. The gateway fronts physical hardware; a forged
	// token would allow arbitrary command execution against real devices.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set DEVLINK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, "devices[].id is required")
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("duplicate device id %q", d.ID))
		}
		seen[d.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// BatchTick returns the gateway batch processor tick as a Duration.
func (g GatewayConfig) BatchTick() time.Duration {
	return time.Duration(g.BatchTickMs) * time.Millisecond
}

// RateWindow returns the sliding rate-limit window as a Duration.
func (r RateLimitConfig) RateWindow() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// Window returns the DDoS rolling window as a Duration.
func (d DDoSConfig) Window() time.Duration {
	return time.Duration(d.WindowMs) * time.Millisecond
}
