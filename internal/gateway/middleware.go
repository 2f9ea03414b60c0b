// ABOUTME: Outer HTTP middleware shared by every route
// ABOUTME: Panic recovery, request ids, access logging, metrics, security headers and CORS

package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/ratelimit"
)

const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Agent-Token, Idempotency-Key, X-Request-ID"
	corsExposeHeaders = "X-Request-ID, X-RateLimit-Remaining, Retry-After"
)

// middleware wraps the mux in the outer chain. Recovery is outermost so a
// panic anywhere still produces a response and a log line.
func (g *Gateway) middleware(next http.Handler) http.Handler {
	h := g.withCORS(next)
	h = withSecurityHeaders(h)
	if g.metrics != nil {
		h = g.metrics.Middleware(h)
	}
	h = g.withRequestLogging(h)
	h = withRequestID(h)
	return g.withRecover(h)
}

// route applies per-route rate limiting and authentication. With no roles
// the route is public.
func (g *Gateway) route(h http.HandlerFunc, roles ...auth.Role) http.Handler {
	var handler http.Handler = h
	if len(roles) > 0 {
		handler = auth.HTTPAuthMiddleware(g.tokens, roles...)(handler)
	}
	var onReject func(*http.Request)
	if g.metrics != nil {
		onReject = g.metrics.RateLimited
	}
	return ratelimit.Middleware(g.limiter, g.logger, onReject)(handler)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("panic in handler",
					"request_id", w.Header().Get("X-Request-ID"),
					"method", r.Method,
					"path", r.URL.Path,
					"recover", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lw, r)

		level := g.logger.Debug
		if lw.status >= http.StatusInternalServerError {
			level = g.logger.Warn
		} else if r.URL.Path != "/health" && r.URL.Path != "/health/ready" {
			level = g.logger.Info
		}
		level("http request",
			"request_id", w.Header().Get("X-Request-ID"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", ratelimit.ClientIP(r),
		)
	})
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Frame-Options", "DENY")
		if isHTTPS(r) {
			h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS echoes allowed origins with credentials so the browser cookie is
// sent cross-origin. "*" allows any origin.
func (g *Gateway) withCORS(next http.Handler) http.Handler {
	trim := func(s string) string { return strings.TrimRight(strings.TrimSpace(s), "/") }
	allowed := make([]string, 0, len(g.config.Server.CORSOrigins))
	for _, o := range g.config.Server.CORSOrigins {
		allowed = append(allowed, trim(o))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := trim(r.Header.Get("Origin"))
		w.Header().Add("Vary", "Origin")

		allowedOrigin := ""
		if origin != "" {
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(origin, a) {
					allowedOrigin = origin
					break
				}
			}
		}

		if allowedOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			h.Set("Access-Control-Max-Age", "600")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originPatterns turns CORS origins into host patterns for websocket.Accept.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// loggingWriter records status and size while keeping the optional
// interfaces websocket upgrades and streaming rely on.
type loggingWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *loggingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return hj.Hijack()
}

func (w *loggingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
