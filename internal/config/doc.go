// Package config handles configuration loading for handoff-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HANDOFF_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/handoff/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	telegram:
//	  bot_token: "${TELEGRAM_BOT_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	telegram:
//	  poll_timeout: "30s"
//	delivery:
//	  timeout: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # Console API and upload serving
//
// Database:
//
//	database:
//	  path: "/var/lib/handoff/gateway.db"
//
// Telegram bridge:
//
//	telegram:
//	  enabled: true
//	  bot_token: "${TELEGRAM_BOT_TOKEN}"
//	  poll_timeout: "30s"
//	  welcome_message: "Hi! A human agent will be with you shortly."
//
// Uploads:
//
//	uploads:
//	  dir: "/var/lib/handoff/uploads"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - server.http_addr and database.path presence
//   - telegram.bot_token presence when the bridge is enabled
//   - Duration format validity
package config
