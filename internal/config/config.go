// ABOUTME: Configuration loading and parsing for the mpc-orchestrator
// ABOUTME: Supports YAML or TOML files with .env loading, environment expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers accepted in database.driver.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// Push providers accepted in push.provider.
const (
	PushFCM  = "fcm"
	PushLog  = "log"
	PushNone = "none"
)

// Claim policies accepted in sessions.claim_policy.
const (
	ClaimSameAccount = "same_account"
	ClaimAnyPhone    = "any_phone"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Push      PushConfig      `yaml:"push" toml:"push"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	PublicURL   string   `yaml:"public_url" toml:"public_url"` // embedded in keygen QR payloads
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // tailnet-only TLS with Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS; phones are usually off-tailnet
}

// DatabaseConfig selects the session store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// RedisConfig enables cross-instance wake-ups and shared rate limits when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" toml:"jwt_secret"`
	FirebaseProjectID string        `yaml:"firebase_project_id" toml:"firebase_project_id"`
	FirebaseCertURL   string        `yaml:"firebase_cert_url" toml:"firebase_cert_url"`
	TokenTTL          time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// PushConfig selects the push notification provider
type PushConfig struct {
	Provider        string `yaml:"provider" toml:"provider"`
	ProjectID       string `yaml:"project_id" toml:"project_id"`
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
}

// SessionsConfig holds session lifetimes and the agent wait budget
type SessionsConfig struct {
	PairingTTL        time.Duration `yaml:"-" toml:"-"`
	KeygenTTL         time.Duration `yaml:"-" toml:"-"`
	TransactionTTL    time.Duration `yaml:"-" toml:"-"`
	AgentRequestTTL   time.Duration `yaml:"-" toml:"-"`
	AgentWaitTimeout  time.Duration `yaml:"-" toml:"-"`
	AgentPollInterval time.Duration `yaml:"-" toml:"-"`
	ClaimPolicy       string        `yaml:"claim_policy" toml:"claim_policy"`

	// Raw string values for YAML/TOML unmarshaling
	PairingTTLRaw        string `yaml:"pairing_ttl" toml:"pairing_ttl"`
	KeygenTTLRaw         string `yaml:"keygen_ttl" toml:"keygen_ttl"`
	TransactionTTLRaw    string `yaml:"transaction_ttl" toml:"transaction_ttl"`
	AgentRequestTTLRaw   string `yaml:"agent_request_ttl" toml:"agent_request_ttl"`
	AgentWaitTimeoutRaw  string `yaml:"agent_wait_timeout" toml:"agent_wait_timeout"`
	AgentPollIntervalRaw string `yaml:"agent_poll_interval" toml:"agent_poll_interval"`
}

// RateLimitConfig holds the per-IP fixed window limit
type RateLimitConfig struct {
	Requests int           `yaml:"requests" toml:"requests"`
	Window   time.Duration `yaml:"-" toml:"-"`

	WindowRaw string `yaml:"window" toml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath resolves the config file location: $MPC_CONFIG, then
// ./config.yaml, then ~/.config/mpc-orchestrator/config.yaml. The last
// candidate is returned even when it does not exist.
func DefaultPath() string {
	if p := os.Getenv("MPC_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "mpc-orchestrator", "config.yaml")
}

// Default returns a configuration with every optional field at its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first without overriding the
// environment. ${VAR_NAME} references are then expanded. Files ending in .toml
// are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Database.Driver, DriverSQLite)
	setDefault(&cfg.Push.Provider, PushLog)
	setDefault(&cfg.Sessions.ClaimPolicy, ClaimSameAccount)
	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")
	setDefault(&cfg.Metrics.Path, "/metrics")

	durationDefault(&cfg.Auth.TokenTTL, 24*time.Hour)
	durationDefault(&cfg.Sessions.PairingTTL, 5*time.Minute)
	durationDefault(&cfg.Sessions.KeygenTTL, 10*time.Minute)
	durationDefault(&cfg.Sessions.TransactionTTL, 30*time.Minute)
	durationDefault(&cfg.Sessions.AgentRequestTTL, 2*time.Minute)
	durationDefault(&cfg.Sessions.AgentWaitTimeout, 2*time.Minute)
	durationDefault(&cfg.Sessions.AgentPollInterval, time.Second)
	durationDefault(&cfg.RateLimit.Window, time.Minute)

	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 30
	}
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

func durationDefault(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return errors.New("database.path is required")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	switch c.Push.Provider {
	case PushFCM:
		if c.Push.ProjectID == "" {
			return errors.New("push.project_id is required for fcm")
		}
	case PushLog, PushNone:
	default:
		return fmt.Errorf("push.provider %q is not one of fcm, log, none", c.Push.Provider)
	}

	switch c.Sessions.ClaimPolicy {
	case ClaimSameAccount, ClaimAnyPhone:
	default:
		return fmt.Errorf("sessions.claim_policy %q is not one of same_account, any_phone", c.Sessions.ClaimPolicy)
	}

	if c.Sessions.AgentPollInterval >= c.Sessions.AgentWaitTimeout {
		return errors.New("sessions.agent_poll_interval must be shorter than agent_wait_timeout")
	}
	if c.RateLimit.Requests < 0 {
		return errors.New("rate_limit.requests must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.pairing_ttl", cfg.Sessions.PairingTTLRaw, &cfg.Sessions.PairingTTL},
		{"sessions.keygen_ttl", cfg.Sessions.KeygenTTLRaw, &cfg.Sessions.KeygenTTL},
		{"sessions.transaction_ttl", cfg.Sessions.TransactionTTLRaw, &cfg.Sessions.TransactionTTL},
		{"sessions.agent_request_ttl", cfg.Sessions.AgentRequestTTLRaw, &cfg.Sessions.AgentRequestTTL},
		{"sessions.agent_wait_timeout", cfg.Sessions.AgentWaitTimeoutRaw, &cfg.Sessions.AgentWaitTimeout},
		{"sessions.agent_poll_interval", cfg.Sessions.AgentPollIntervalRaw, &cfg.Sessions.AgentPollInterval},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
