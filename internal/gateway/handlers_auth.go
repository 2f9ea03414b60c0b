// ABOUTME: Sign-in handlers exchanging an identity provider token for a session token
// ABOUTME: Browsers receive an HttpOnly cookie; phones receive the token in the body

package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

type loginRequest struct {
	IDToken string `json:"id_token" validate:"required,min=10"`
}

type loginResponse struct {
	OK        bool   `json:"ok"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expiresAt"`
}

func (g *Gateway) handleBrowserLogin(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, ok := g.login(w, r, auth.RoleBrowser)
	if !ok {
		return
	}
	g.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, loginResponse{OK: true, ExpiresAt: store.Timestamp(expiresAt)})
}

func (g *Gateway) handlePhoneLogin(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, ok := g.login(w, r, auth.RolePhone)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{OK: true, Token: token, ExpiresAt: store.Timestamp(expiresAt)})
}

// login verifies the identity token and mints a session token for role. It
// writes the error response itself and reports whether to continue.
func (g *Gateway) login(w http.ResponseWriter, r *http.Request, role auth.Role) (string, time.Time, bool) {
	if g.identity == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "login_unavailable", Message: "Identity provider is not configured"})
		return "", time.Time{}, false
	}

	var req loginRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return "", time.Time{}, false
	}

	uid, err := g.identity.VerifyIDToken(r.Context(), req.IDToken)
	if err != nil {
		g.logger.Info("identity token rejected", "role", role, "error", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "Invalid identity token"})
		return "", time.Time{}, false
	}

	token, expiresAt, err := g.issue(auth.Principal{ID: uid, Role: role})
	if err != nil {
		g.writeError(w, r, err)
		return "", time.Time{}, false
	}
	g.logger.Info("principal signed in", "principal", uid, "role", role)
	return token, expiresAt, true
}

// handleRefresh re-issues the caller's session token with a fresh lifetime.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context()).Principal()
	token, expiresAt, err := g.issue(p)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if p.Role == auth.RoleBrowser {
		g.setSessionCookie(w, r, token, expiresAt)
		writeJSON(w, http.StatusOK, loginResponse{OK: true, ExpiresAt: store.Timestamp(expiresAt)})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{OK: true, Token: token, ExpiresAt: store.Timestamp(expiresAt)})
}

// handleLogout clears the browser cookie. Tokens are stateless, so nothing
// else is revoked.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.BrowserCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.secureCookies(r),
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) issue(p auth.Principal) (string, time.Time, error) {
	ttl := g.config.Auth.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	expiresAt := time.Now().Add(ttl)
	token, err := g.tokens.Generate(p, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (g *Gateway) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.BrowserCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   g.secureCookies(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func (g *Gateway) secureCookies(r *http.Request) bool {
	return isHTTPS(r) || strings.HasPrefix(g.publicURL, "https://")
}
