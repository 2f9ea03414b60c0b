// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Reads the session token from the Authorization header or browser cookie

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// BrowserCookie is the HttpOnly cookie carrying the browser session token.
const BrowserCookie = "browserJWT"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractCredential prefers the Authorization header and falls back to the
// browser cookie.
func extractCredential(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(BrowserCookie); err == nil && c.Value != "" {
		return c.Value, ""
	}
	return "", "missing authorization header"
}

// HTTPAuthMiddleware creates an HTTP middleware that resolves the caller's
// principal and requires one of the given roles. With no roles any
// authenticated principal is accepted.
func HTTPAuthMiddleware(resolver PrincipalResolver, roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractCredential(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			principal, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{PrincipalID: principal.ID, Role: principal.Role}
			if len(roles) > 0 && !authCtx.HasRole(roles...) {
				http.Error(w, `{"error":"wrong audience for this endpoint"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
