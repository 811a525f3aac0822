// Package config handles configuration loading for studio-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion. The package applies defaults and validates
// the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from STUDIO_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/studio/gateway.yaml (or ~/.config/studio/gateway.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backchannel:
//	  token: "${STUDIO_AGENT_TOKEN}"
//
// A small set of flat variables override the file after expansion:
// API_KEYS, SWITCH_ON_USES, FAILURE_THRESHOLD, IMMEDIATE_SWITCH_STATUS_CODES,
// STREAMING_MODE, INITIAL_AUTH_INDEX, MAX_RETRIES and RETRY_DELAY.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax, or a bare integer
// interpreted as milliseconds:
//
//	proxy:
//	  header_timeout: "60s"
//	  retry_delay: 2000
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:7860"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC backchannel
//
//	auth:
//	  api_keys: ["sk-local"]
//
//	credentials:
//	  source: "dir"               # dir, env, sqlite
//	  dir: "configs/auth"
//
//	rotation:
//	  switch_on_uses: 40
//	  failure_threshold: 3
//	  immediate_switch_codes: [429, 503]
//
//	proxy:
//	  streaming_mode: "real"      # real, fake
//
//	session:
//	  command: "/usr/local/bin/studio-agent"
//	  connect_timeout: "60s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
