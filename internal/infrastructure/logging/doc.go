// Package logging is the hub's structured logging layer over log/slog.
//
// One Logger is built at startup from the logging section of
// config.yaml (level, json/text format, stdout/stderr) and threaded
// through the composition root. Components derive tagged children:
//
//	log := logging.New(cfg.Logging, version)
//	gwLog := log.With("component", "gateway")
//
// Every entry carries service and version attributes. JSON output is
// the default; text is for local development.
//
// Never log secrets, tokens or broker credentials. Truncate anything
// sensitive before it reaches a field.
package logging
