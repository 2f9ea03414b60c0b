// Package config handles configuration loading for the mpc-orchestrator.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MPC_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/mpc-orchestrator/config.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML. Both use
// the same key names.
//
// # Environment
//
// A .env file in the config file's directory is loaded before parsing.
// Variables already set in the process win. Values can then reference them:
//
//	auth:
//	  jwt_secret: "${MPC_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  public_url: "https://wallet.example.com"
//	  cors_origins: ["chrome-extension://abcdef"]
//
//	database:
//	  driver: "sqlite"          # sqlite (pure Go), sqlite3 (cgo), postgres
//	  path: "./orchestrator.db"
//	  dsn: "${DATABASE_URL}"    # postgres only
//
//	redis:
//	  addr: "localhost:6379"    # optional; shares wake-ups and rate limits across instances
//
//	auth:
//	  jwt_secret: "${MPC_JWT_SECRET}"
//	  token_ttl: "24h"
//	  firebase_project_id: "my-wallet"
//
//	push:
//	  provider: "fcm"           # fcm, log, none
//	  project_id: "my-wallet"
//	  credentials_file: "/etc/mpc/service-account.json"
//
//	sessions:
//	  pairing_ttl: "5m"
//	  keygen_ttl: "10m"
//	  transaction_ttl: "30m"
//	  agent_request_ttl: "2m"
//	  agent_wait_timeout: "2m"
//	  agent_poll_interval: "1s"
//	  claim_policy: "same_account"  # or any_phone
//
//	rate_limit:
//	  requests: 30
//	  window: "1m"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() applies defaults and then rejects a missing listen address, an unknown
// database driver or push provider, a missing jwt secret, and a poll interval
// that is not shorter than the agent wait budget.
package config
