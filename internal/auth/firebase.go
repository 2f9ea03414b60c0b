// ABOUTME: Verifies Firebase ID tokens presented at login against Google's signing certificates
// ABOUTME: Certificates are cached per Cache-Control max-age and refreshed once under concurrency

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultFirebaseCertURL serves the X.509 certificates that sign Firebase ID tokens.
const DefaultFirebaseCertURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

const (
	certCacheKey       = "certs"
	defaultCertMaxAge  = time.Hour
	certFetchTimeout   = 10 * time.Second
	firebaseIssuerBase = "https://securetoken.google.com/"
)

// IdentityVerifier checks an identity-provider token and returns the account id.
type IdentityVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (string, error)
}

// FirebaseVerifier implements IdentityVerifier for Firebase Authentication.
type FirebaseVerifier struct {
	projectID string
	certURL   string
	client    *http.Client
	cache     *gocache.Cache
	group     singleflight.Group
	now       func() time.Time
}

// FirebaseOption configures a FirebaseVerifier.
type FirebaseOption func(*FirebaseVerifier)

// WithCertURL overrides the certificate endpoint.
func WithCertURL(url string) FirebaseOption {
	return func(v *FirebaseVerifier) { v.certURL = url }
}

// WithHTTPClient overrides the client used to fetch certificates.
func WithHTTPClient(c *http.Client) FirebaseOption {
	return func(v *FirebaseVerifier) { v.client = c }
}

// NewFirebaseVerifier creates a verifier for the given Firebase project.
func NewFirebaseVerifier(projectID string, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if projectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	v := &FirebaseVerifier{
		projectID: projectID,
		certURL:   DefaultFirebaseCertURL,
		client:    &http.Client{Timeout: certFetchTimeout},
		cache:     gocache.New(defaultCertMaxAge, 10*time.Minute),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyIDToken validates signature, issuer, audience and lifetime and returns the uid.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (string, error) {
	token, err := jwt.Parse(idToken, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		keys, err := v.keys(ctx)
		if err != nil {
			return nil, err
		}
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(firebaseIssuerBase+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// keys returns the cached certificate keys, fetching them at most once at a time.
func (v *FirebaseVerifier) keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if cached, ok := v.cache.Get(certCacheKey); ok {
		return cached.(map[string]*rsa.PublicKey), nil
	}

	result, err, _ := v.group.Do(certCacheKey, func() (interface{}, error) {
		keys, maxAge, err := v.fetch(ctx)
		if err != nil {
			return nil, err
		}
		v.cache.Set(certCacheKey, keys, maxAge)
		return keys, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching signing certificates: %w", err)
	}
	return result.(map[string]*rsa.PublicKey), nil
}

func (v *FirebaseVerifier) fetch(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var pems map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&pems); err != nil {
		return nil, 0, fmt.Errorf("decoding certificates: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(pems))
	for kid, p := range pems {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(p))
		if err != nil {
			return nil, 0, fmt.Errorf("parsing certificate %q: %w", kid, err)
		}
		keys[kid] = pub
	}

	return keys, parseMaxAge(resp.Header.Get("Cache-Control")), nil
}

// parseMaxAge reads max-age from a Cache-Control header.
func parseMaxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "max-age="); ok {
			if secs, err := strconv.Atoi(rest); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultCertMaxAge
}
