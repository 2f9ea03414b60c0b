// ABOUTME: Entry point for the mpc-orchestrator server and its admin commands
// ABOUTME: serve runs the gateway; init, token and health help operate it

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/config"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                        _               _             _
 _ __ ___  _ __   ___        ___  _ __ | |__   ___  ___| |_ _ __ __ _| |_ ___  _ __
| '_ ' _ \| '_ \ / __|_____ / _ \| '__|| '_ \ / _ \/ __| __| '__/ _' | __/ _ \| '__|
| | | | | | |_) | (_|_____| (_) | |   | | | |  __/\__ \ |_| | | (_| | || (_) | |
|_| |_| |_| .__/ \___|     \___/|_|   |_| |_|\___||___/\__|_|  \__,_|\__\___/|_|
          |_|
`

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: mpc-orchestrator <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the orchestrator")
	fmt.Println("  init                           Create a config file interactively")
	fmt.Println("  token --user ID --role ROLE    Mint a session token for testing")
	fmt.Println("  health [--ready]               Check a running orchestrator")
	fmt.Println("  version                        Print the version")
	fmt.Println()
	fmt.Println("The config file is read from $MPC_CONFIG, ./config.yaml or")
	fmt.Println("~/.config/mpc-orchestrator/config.yaml.")
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", storeLabel(cfg.Database))
	green.Print("    ▶ ")
	fmt.Printf("Push:      %s\n", cfg.Push.Provider)
	if cfg.Redis.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s\n", cfg.Redis.Addr)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mpc-orchestrator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database_driver", cfg.Database.Driver,
		"claim_policy", cfg.Sessions.ClaimPolicy,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// storeLabel describes the configured store without leaking DSN credentials.
func storeLabel(db config.DatabaseConfig) string {
	if db.Driver == config.DriverPostgres {
		return "postgres"
	}
	return db.Driver + " " + db.Path
}

// runToken mints a session token straight from the configured secret. It is
// meant for local testing against a running server without an identity
// provider.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "principal id (account uid)")
	role := fs.String("role", string(auth.RoleBrowser), "browser or phone")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := strings.TrimSpace(*user)
	if id == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	token, err := verifier.Generate(auth.Principal{ID: id, Role: auth.Role(*role)}, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(os.Stderr, color.HiBlackString("expires %s", time.Now().Add(lifetime).UTC().Format(time.RFC3339)))
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	ready := fs.Bool("ready", false, "check store and redis readiness")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not set; health checks need a local listener")
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}
	url := "http://" + localAddr(cfg.Server.HTTPAddr) + path

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

// localAddr turns a wildcard listen address like ":8080" into a dialable one.
func localAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	if rest, ok := strings.CutPrefix(addr, "0.0.0.0:"); ok {
		return "localhost:" + rest
	}
	return addr
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(out, level)
	}

	return slog.New(handler)
}
