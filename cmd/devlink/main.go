// Devlink Core - Device Integration Platform
//
// This is the main entry point for the Devlink Core application: the
// protocol adapter framework (BLE, Modbus RTU/TCP, serial) and the
// connection-pooled WebSocket gateway that fronts it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/devlink-io/devlink-core/migrations"

	"github.com/devlink-io/devlink-core/internal/api"
	"github.com/devlink-io/devlink-core/internal/audit"
	"github.com/devlink-io/devlink-core/internal/device"
	"github.com/devlink-io/devlink-core/internal/gateway"
	"github.com/devlink-io/devlink-core/internal/infrastructure/config"
	"github.com/devlink-io/devlink-core/internal/infrastructure/database"
	"github.com/devlink-io/devlink-core/internal/infrastructure/logging"
	"github.com/devlink-io/devlink-core/internal/infrastructure/mqtt"
	"github.com/devlink-io/devlink-core/internal/protocol"
	"github.com/devlink-io/devlink-core/internal/protocol/ble"
	"github.com/devlink-io/devlink-core/internal/protocol/modbus"
	"github.com/devlink-io/devlink-core/internal/protocol/serial"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Devlink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Register protocol adapters. Serial registers last and becomes the
	// fallback for devices that name no protocol.
	registry := protocol.NewRegistry()
	if err := registerProtocols(registry); err != nil {
		return fmt.Errorf("registering protocols: %w", err)
	}
	log.Info("protocol adapters registered", "protocols", registry.Protocols())

	// Start the device manager over the configured fleet
	store := device.NewStore(db)
	manager, err := device.NewManager(registry, store, cfg.Adapters, log)
	if err != nil {
		return fmt.Errorf("creating device manager: %w", err)
	}
	if err := manager.Start(ctx, cfg.Devices); err != nil {
		return fmt.Errorf("starting device manager: %w", err)
	}
	defer func() {
		log.Info("stopping device manager")
		if closeErr := manager.Close(context.Background()); closeErr != nil {
			log.Error("error stopping device manager", "error", closeErr)
		}
	}()
	log.Info("device manager started",
		"devices", len(cfg.Devices),
		"connected", manager.Connected(),
	)

	// Start the WebSocket gateway with a persistent command trail
	commandTrail := audit.NewSQLiteRepository(db.DB)
	gw := gateway.New(cfg.Gateway, cfg.Security, manager, log)
	gw.SetAudit(commandTrail)
	gw.Run(ctx)
	defer func() {
		log.Info("stopping gateway")
		gw.Close()
	}()

	// Connect to MQTT broker (optional integration surface)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mirror := device.NewMirror(mqttClient, manager, log)
		if err := mirror.Run(ctx); err != nil {
			return fmt.Errorf("starting MQTT mirror: %w", err)
		}
		log.Info("MQTT mirror started")

		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed: mqtt: %w", err)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Start the HTTP server (WebSocket endpoint + health/metrics/devices)
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WSPath:  cfg.Gateway.Path,
		Logger:  log,
		Gateway: gw,
		Manager: manager,
		Store:   store,
		Audit:   commandTrail,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: database: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred Close() calls run in reverse order:
	// API server, MQTT, gateway, device manager, database.
	log.Info("Devlink Core stopped")
	return nil
}

// registerProtocols installs every adapter factory in one place so the
// set of supported protocols is visible at a glance.
func registerProtocols(registry *protocol.Registry) error {
	if err := modbus.RegisterRTU(registry); err != nil {
		return err
	}
	if err := modbus.RegisterTCP(registry); err != nil {
		return err
	}
	if err := ble.Register(registry); err != nil {
		return err
	}
	// Serial is the default protocol for devices that specify none.
	return serial.Register(registry)
}

// getConfigPath returns the configuration file path.
// Uses DEVLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
