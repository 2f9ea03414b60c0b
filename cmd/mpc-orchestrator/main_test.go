// ABOUTME: Tests for the CLI helpers: generated configs, prompts and log handlers
// ABOUTME: Generated configs are round-tripped through config.Load

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/config"
)

func TestRenderConfig_LoadsBack(t *testing.T) {
	dir := t.TempDir()
	secret, err := generateSecret()
	require.NoError(t, err)

	a := initAnswers{
		HTTPAddr:     "localhost:8080",
		PublicURL:    "https://wallet.example.test",
		CORSOrigins:  []string{"https://app.example.test", "*"},
		Driver:       config.DriverSQLite,
		DBPath:       filepath.Join(dir, "orchestrator.db"),
		RedisAddr:    "localhost:6379",
		JWTSecret:    secret,
		PushProvider: config.PushLog,
		ClaimPolicy:  config.ClaimAnyPhone,
		LogLevel:     "debug",
		LogFormat:    "json",
		Metrics:      true,
	}

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderConfig(a)), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "https://wallet.example.test", cfg.Server.PublicURL)
	assert.Equal(t, []string{"https://app.example.test", "*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, a.DBPath, cfg.Database.Path)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Equal(t, config.ClaimAnyPhone, cfg.Sessions.ClaimPolicy)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.PairingTTL)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.AgentWaitTimeout)
	assert.Equal(t, time.Second, cfg.Sessions.AgentPollInterval)
	assert.Equal(t, 30, cfg.RateLimit.Requests)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tailscale.Enabled)
}

func TestRenderConfig_PostgresAndTailscale(t *testing.T) {
	a := initAnswers{
		Driver:            config.DriverPostgres,
		DSN:               "postgres://localhost:5432/mpc?sslmode=disable",
		JWTSecret:         strings.Repeat("s", 40),
		PushProvider:      config.PushFCM,
		PushProjectID:     "wallet-prod",
		ClaimPolicy:       config.ClaimSameAccount,
		Tailscale:         true,
		TailscaleHostname: "mpc",
		TailscaleFunnel:   true,
		LogLevel:          "info",
		LogFormat:         "text",
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderConfig(a)), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.HTTPAddr)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, a.DSN, cfg.Database.DSN)
	assert.Equal(t, "wallet-prod", cfg.Push.ProjectID)
	assert.True(t, cfg.Tailscale.Funnel)
	assert.Equal(t, "mpc", cfg.Tailscale.Hostname)
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	b, err := generateSecret()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 32)
}

func TestPrompt(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("custom\n\n  spaced  \nlast"))

	assert.Equal(t, "custom", prompt(reader, "q", "default"))
	assert.Equal(t, "default", prompt(reader, "q", "default"))
	assert.Equal(t, "spaced", prompt(reader, "q", ""))
	assert.Equal(t, "last", prompt(reader, "q", "default"), "unterminated final line is still read")
	assert.Equal(t, "default", prompt(reader, "q", "default"), "EOF falls back to the default")
}

func TestYes(t *testing.T) {
	for _, s := range []string{"y", "Y", "yes", " YES "} {
		assert.True(t, yes(s), s)
	}
	for _, s := range []string{"", "n", "no", "yep"} {
		assert.False(t, yes(s), s)
	}
}

func TestLocalAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{":8080", "localhost:8080"},
		{"0.0.0.0:9000", "localhost:9000"},
		{"127.0.0.1:8080", "127.0.0.1:8080"},
		{"wallet.internal:80", "wallet.internal:80"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, localAddr(tt.in), tt.in)
	}
}

func TestStoreLabel(t *testing.T) {
	assert.Equal(t, "postgres", storeLabel(config.DatabaseConfig{Driver: config.DriverPostgres, DSN: "postgres://u:secret@h/db"}))
	assert.Equal(t, "sqlite /tmp/o.db", storeLabel(config.DatabaseConfig{Driver: config.DriverSQLite, Path: "/tmp/o.db"}))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "session_id", "s1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "s1", rec["session_id"])
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelDebug)).With("component", "gateway")

	logger.WithGroup("req").Info("served", "status", 200)
	logger.Debug("detail", slog.Group("tx", "id", "t1"))
	logger.Error("failed")

	out := buf.String()
	assert.Contains(t, out, "INF served component=gateway req.status=200")
	assert.Contains(t, out, "DBG detail component=gateway tx.id=t1")
	assert.Contains(t, out, "ERR failed component=gateway")
}
