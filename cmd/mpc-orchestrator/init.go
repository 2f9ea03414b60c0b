// ABOUTME: Interactive config file generation for mpc-orchestrator init
// ABOUTME: Prompts for each section and writes YAML with a freshly generated JWT secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr    string
	PublicURL   string
	CORSOrigins []string

	Driver string
	DBPath string
	DSN    string

	RedisAddr string

	JWTSecret         string
	FirebaseProjectID string

	PushProvider    string
	PushProjectID   string
	PushCredentials string

	ClaimPolicy string

	Tailscale         bool
	TailscaleHostname string
	TailscaleFunnel   bool

	LogLevel  string
	LogFormat string
	Metrics   bool
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	output := fs.String("o", config.DefaultPath(), "config file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mpc-orchestrator configuration setup")
	fmt.Println("====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", *output)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	a := askInit(reader, defaultDataDir())
	a.JWTSecret = secret

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if a.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.DBPath), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  MPC_CONFIG=%s mpc-orchestrator serve\n", outputFile)
	return nil
}

func askInit(reader *bufio.Reader, dataDir string) initAnswers {
	var a initAnswers

	fmt.Println("--- Server ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.PublicURL = prompt(reader, "Public URL embedded in QR codes (empty to derive)", "")
	if origins := prompt(reader, "Allowed browser origins, comma separated", "*"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				a.CORSOrigins = append(a.CORSOrigins, o)
			}
		}
	}

	fmt.Println("\n--- Database ---")
	a.Driver = prompt(reader, "Driver (sqlite/sqlite3/postgres)", config.DriverSQLite)
	if a.Driver == config.DriverPostgres {
		a.DSN = prompt(reader, "Postgres DSN", "postgres://localhost:5432/mpc?sslmode=disable")
	} else {
		a.DBPath = prompt(reader, "SQLite database path", filepath.Join(dataDir, "orchestrator.db"))
	}
	a.RedisAddr = prompt(reader, "Redis address (empty for single instance)", "")

	fmt.Println("\n--- Identity and push ---")
	a.FirebaseProjectID = prompt(reader, "Firebase project id (empty disables login)", "")
	a.PushProvider = prompt(reader, "Push provider (fcm/log/none)", config.PushLog)
	if a.PushProvider == config.PushFCM {
		a.PushProjectID = prompt(reader, "FCM project id", a.FirebaseProjectID)
		a.PushCredentials = prompt(reader, "Service account JSON (empty for application default)", "")
	}
	a.ClaimPolicy = prompt(reader, "Claim policy (same_account/any_phone)", config.ClaimSameAccount)

	fmt.Println("\n--- Tailscale ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TailscaleHostname = prompt(reader, "Tailscale hostname", "mpc-orchestrator")
		a.TailscaleFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "yes"))
	}

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")
	a.Metrics = yes(prompt(reader, "Expose Prometheus metrics?", "yes"))

	return a
}

// renderConfig produces a YAML config that config.Load accepts.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# mpc-orchestrator configuration\n")
	b.WriteString("# Generated by mpc-orchestrator init\n\n")

	b.WriteString("server:\n")
	if a.HTTPAddr != "" {
		fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	}
	if a.PublicURL != "" {
		fmt.Fprintf(&b, "  public_url: %q\n", a.PublicURL)
	}
	if len(a.CORSOrigins) > 0 {
		b.WriteString("  cors_origins:\n")
		for _, o := range a.CORSOrigins {
			fmt.Fprintf(&b, "    - %q\n", o)
		}
	}
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  driver: %q\n", a.Driver)
	if a.DBPath != "" {
		fmt.Fprintf(&b, "  path: %q\n", a.DBPath)
	}
	if a.DSN != "" {
		fmt.Fprintf(&b, "  dsn: %q\n", a.DSN)
	}
	b.WriteString("\n")

	if a.RedisAddr != "" {
		b.WriteString("redis:\n")
		fmt.Fprintf(&b, "  addr: %q\n\n", a.RedisAddr)
	}

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  token_ttl: \"24h\"\n")
	if a.FirebaseProjectID != "" {
		fmt.Fprintf(&b, "  firebase_project_id: %q\n", a.FirebaseProjectID)
	}
	b.WriteString("\n")

	b.WriteString("push:\n")
	fmt.Fprintf(&b, "  provider: %q\n", a.PushProvider)
	if a.PushProjectID != "" {
		fmt.Fprintf(&b, "  project_id: %q\n", a.PushProjectID)
	}
	if a.PushCredentials != "" {
		fmt.Fprintf(&b, "  credentials_file: %q\n", a.PushCredentials)
	}
	b.WriteString("\n")

	b.WriteString("sessions:\n")
	b.WriteString("  pairing_ttl: \"5m\"\n")
	b.WriteString("  keygen_ttl: \"10m\"\n")
	b.WriteString("  transaction_ttl: \"30m\"\n")
	b.WriteString("  agent_request_ttl: \"2m\"\n")
	b.WriteString("  agent_wait_timeout: \"2m\"\n")
	b.WriteString("  agent_poll_interval: \"1s\"\n")
	fmt.Fprintf(&b, "  claim_policy: %q\n", a.ClaimPolicy)
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TailscaleHostname)
		fmt.Fprintf(&b, "  funnel: %t\n", a.TailscaleFunnel)
	}
	b.WriteString("\n")

	b.WriteString("rate_limit:\n")
	b.WriteString("  requests: 30\n")
	b.WriteString("  window: \"1m\"\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.LogFormat)

	b.WriteString("metrics:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Metrics)
	b.WriteString("  path: \"/metrics\"\n")

	return b.String()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// defaultDataDir is $XDG_DATA_HOME/mpc-orchestrator or ~/.local/share/mpc-orchestrator.
func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "mpc-orchestrator")
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "y" || s == "yes"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
