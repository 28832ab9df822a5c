// Package config handles configuration loading for inbox-gateway.
//
// # Overview
//
// Configuration starts from built-in defaults, is overlaid with a YAML or
// TOML file, and finally with environment variables. The environment names
// follow the deployment conventions of the service (PORT, JWT_SECRET,
// META_VERIFY_TOKEN, FACEBOOK_ACCESS_TOKEN, OPEN_AI_API_KEY, ASSISTANT_ID).
//
// # Configuration File
//
// The path comes from the --config flag or INBOX_CONFIG. Files ending in
// .toml are decoded as TOML, everything else as YAML. Values may reference
// environment variables:
//
//	auth:
//	  jwt_secret: "${INBOX_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pipeline:
//	  debounce_window: "5s"
//	hub:
//	  ping_interval: "30s"
//	retention:
//	  schedule: "0 * * * *"   # cron expression
//	  image_ttl: "24h"
//
// # Assistant
//
//	assistant:
//	  enabled: true           # global switch
//	  api_key: "${OPEN_AI_API_KEY}"
//	  assistant_id: "asst_..."
//	  poll_attempts: 15
//	  poll_interval: "2s"
//
// New conversations take pipeline.ai_enabled_default as their AI flag; a
// conversation with the flag set is routed through the assistant.
package config
