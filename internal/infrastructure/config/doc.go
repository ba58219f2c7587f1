// Package config loads, defaults and validates the hub's configuration.
//
// Configuration comes from one YAML file, with environment variables
// (DEVLINK_* prefix) overriding sensitive fields like the JWT secret
// and broker credentials. Defaults are applied before the file is read,
// so a minimal config only names what differs from them. Validation
// runs last and rejects the config as a whole; there is no partial
// startup on a half-valid file.
//
// The Config value is read-only after Load returns.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
