// Package config handles configuration loading for hearth-gateway.
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
//  1. Path from HEARTH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/hearth/gateway.yaml
//  3. ~/.config/hearth/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${HEARTH_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	heartbeat:
//	  interval: "30s"
//	  timeout: "90s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  addr: "127.0.0.1:18789"  # WebSocket and health endpoints
//
// Authentication:
//
//	auth:
//	  mode: "token"            # none, token, password
//	  token: "${HEARTH_TOKEN}"
//
// Database:
//
//	database:
//	  path: "~/.local/share/hearth/gateway.db"
//
// Discovery:
//
//	discovery:
//	  enabled: true
//	  name: "den"              # mDNS instance name
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Parse() validates:
//
//   - Auth mode values and presence of the matching secret
//   - Heartbeat interval positivity and timeout exceeding interval
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
