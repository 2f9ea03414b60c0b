// ABOUTME: Gateway wires the orchestrator service to its HTTP surface and runs the server
// ABOUTME: Manages store, Redis relay, Tailscale listeners and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/config"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/dedupe"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/devices"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/metrics"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/push"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/ratelimit"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/watch"
)

const (
	idempotencyTTL     = 24 * time.Hour
	idempotencyMaxKeys = 100_000
	streamPollInterval = 5 * time.Second
)

// Gateway serves the orchestrator over HTTP.
type Gateway struct {
	config   *config.Config
	store    store.SessionStore
	service  *orchestrator.Service
	registry *devices.Registry
	tokens   *auth.JWTVerifier
	identity auth.IdentityVerifier // nil disables the login endpoints
	metrics  *metrics.Metrics      // nil when metrics are disabled
	limiter  ratelimit.Limiter
	validate *validator.Validate
	logger   *slog.Logger

	// idempotency replays POST /transactions retries carrying Idempotency-Key
	idempotency *dedupe.Cache

	// broadcaster is the local transition fan-out; relay forwards it through
	// Redis when configured
	broadcaster *watch.Broadcaster
	relay       *watch.RedisRelay
	redis       *redis.Client

	originPatterns []string
	streamPoll     time.Duration

	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// publicURL is the externally reachable base URL
	publicURL string
}

// deps carries the collaborators New builds from config; tests fill it directly.
type deps struct {
	store    store.SessionStore
	sender   push.Sender
	identity auth.IdentityVerifier
	redis    *redis.Client
	limiter  ratelimit.Limiter
	metrics  *metrics.Metrics
}

// New creates a Gateway from configuration, connecting to every backend it names.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	d := deps{store: s}
	fail := func(err error) (*Gateway, error) {
		_ = s.Close()
		if d.redis != nil {
			_ = d.redis.Close()
		}
		return nil, err
	}

	if d.redis, err = initRedis(ctx, cfg.Redis, logger); err != nil {
		return fail(err)
	}
	if d.sender, err = initPush(ctx, cfg.Push, logger); err != nil {
		return fail(err)
	}
	if d.identity, err = initIdentity(cfg.Auth, logger); err != nil {
		return fail(err)
	}
	d.limiter = initLimiter(cfg.RateLimit, d.redis)

	if cfg.Metrics.Enabled {
		if d.metrics, err = metrics.New(); err != nil {
			return fail(fmt.Errorf("creating metrics: %w", err))
		}
		if pg, ok := s.(*store.PostgresStore); ok {
			if err := d.metrics.Register(metrics.NewPoolCollector(pg.Stat)); err != nil {
				return fail(fmt.Errorf("registering pool metrics: %w", err))
			}
		}
	}

	gw, err := newGateway(cfg, d, logger)
	if err != nil {
		return fail(err)
	}
	return gw, nil
}

func newGateway(cfg *config.Config, d deps, logger *slog.Logger) (*Gateway, error) {
	tokens, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	publicURL := determinePublicURL(cfg, logger)

	broadcaster := watch.NewBroadcaster(logger)
	var watcher orchestrator.Watcher = broadcaster
	var relay *watch.RedisRelay
	if d.redis != nil {
		relay = watch.NewRedisRelay(d.redis, broadcaster, logger)
		watcher = relay
	}

	registry := devices.NewRegistry(d.store, logger)
	dispatcher := notify.NewDispatcher(d.sender, registry, logger)
	svc := orchestrator.New(d.store, dispatcher, watcher, orchestrator.Options{
		PairingTTL:        cfg.Sessions.PairingTTL,
		KeygenTTL:         cfg.Sessions.KeygenTTL,
		TransactionTTL:    cfg.Sessions.TransactionTTL,
		AgentRequestTTL:   cfg.Sessions.AgentRequestTTL,
		AgentWaitTimeout:  cfg.Sessions.AgentWaitTimeout,
		AgentPollInterval: cfg.Sessions.AgentPollInterval,
		ClaimPolicy:       cfg.Sessions.ClaimPolicy,
		PublicURL:         publicURL,
	}, logger)
	if d.metrics != nil {
		svc.SetObserver(d.metrics)
	}

	gw := &Gateway{
		config:         cfg,
		store:          d.store,
		service:        svc,
		registry:       registry,
		tokens:         tokens,
		identity:       d.identity,
		metrics:        d.metrics,
		limiter:        d.limiter,
		validate:       newValidator(),
		logger:         logger.With("component", "gateway"),
		idempotency:    dedupe.New(idempotencyTTL, idempotencyMaxKeys),
		broadcaster:    broadcaster,
		relay:          relay,
		redis:          d.redis,
		originPatterns: originPatterns(cfg.Server.CORSOrigins),
		streamPoll:     streamPollInterval,
		publicURL:      publicURL,
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.handler = gw.middleware(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Service exposes the orchestrator for collaborators such as chain submitters.
func (g *Gateway) Service() *orchestrator.Service {
	return g.service
}

// determinePublicURL resolves the base URL embedded in keygen QR payloads.
func determinePublicURL(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimRight(cfg.Server.PublicURL, "/")
	}
	if envURL := os.Getenv("MPC_PUBLIC_URL"); envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		return "https://" + cfg.Tailscale.Hostname
	}
	logger.Warn("server.public_url not set; phones off the tailnet cannot reach this instance")
	return "http://" + cfg.Tailscale.Hostname
}

// setupTCPListener creates the plain HTTP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting orchestrator", "http_addr", g.config.Server.HTTPAddr, "public_url", g.publicURL)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener picks Tailscale or TCP based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
// It returns nil on a graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if g.relay != nil {
		go func() {
			if err := g.relay.Run(relayCtx); err != nil {
				errCh <- fmt.Errorf("redis relay: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already cancelled; shutdown gets its own budget.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mpc-orchestrator", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens for HTTP there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs the node's address and, when the public URL was
// derived from the short hostname, the full DNS name phones should use.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" && g.config.Server.PublicURL == "" {
		g.logger.Warn("set server.public_url to the tailnet DNS name so keygen QR codes resolve", "suggested", "https://"+dnsName)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every backend.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down orchestrator")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.closeBackends(&errs)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// closeBackends releases the components newGateway and New created.
func (g *Gateway) closeBackends(errs *[]error) {
	g.idempotency.Close()
	*errs = appendCloseError(*errs, "watch close", g.broadcaster.Close())
	if g.redis != nil {
		*errs = appendCloseError(*errs, "redis close", g.redis.Close())
	}
	*errs = appendCloseError(*errs, "store close", g.store.Close())
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store and, if configured, Redis answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
