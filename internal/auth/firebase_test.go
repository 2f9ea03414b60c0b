// ABOUTME: Tests for Firebase ID token verification against a local certificate endpoint
// ABOUTME: Covers issuer/audience checks, unknown key ids, and certificate caching

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProject = "wallet-test"

type certServer struct {
	key   *rsa.PrivateKey
	srv   *httptest.Server
	hits  atomic.Int32
	kid   string
	delay time.Duration
}

func newCertServer(t *testing.T) *certServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	cs := &certServer{key: key, kid: "kid-1"}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		if cs.delay > 0 {
			time.Sleep(cs.delay)
		}
		w.Header().Set("Cache-Control", "public, max-age=600, must-revalidate")
		_ = json.NewEncoder(w).Encode(map[string]string{cs.kid: certPEM})
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *certServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(cs.key)
	require.NoError(t, err)
	return s
}

func validFirebaseClaims(uid string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": "https://securetoken.google.com/" + testProject,
		"aud": testProject,
		"sub": uid,
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestFirebaseVerifier_ValidToken(t *testing.T) {
	cs := newCertServer(t)
	v, err := NewFirebaseVerifier(testProject, WithCertURL(cs.srv.URL))
	require.NoError(t, err)

	uid, err := v.VerifyIDToken(context.Background(), cs.sign(t, cs.kid, validFirebaseClaims("firebase-uid-1")))
	require.NoError(t, err)
	assert.Equal(t, "firebase-uid-1", uid)
}

func TestFirebaseVerifier_Rejections(t *testing.T) {
	cs := newCertServer(t)
	v, err := NewFirebaseVerifier(testProject, WithCertURL(cs.srv.URL))
	require.NoError(t, err)

	wrongIssuer := validFirebaseClaims("u")
	wrongIssuer["iss"] = "https://securetoken.google.com/other"
	wrongAudience := validFirebaseClaims("u")
	wrongAudience["aud"] = "other"
	noSubject := validFirebaseClaims("")
	expired := validFirebaseClaims("u")
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "wrong issuer", token: cs.sign(t, cs.kid, wrongIssuer), want: ErrInvalidToken},
		{name: "wrong audience", token: cs.sign(t, cs.kid, wrongAudience), want: ErrInvalidToken},
		{name: "unknown kid", token: cs.sign(t, "kid-2", validFirebaseClaims("u")), want: ErrInvalidToken},
		{name: "missing subject", token: cs.sign(t, cs.kid, noSubject), want: ErrMissingClaim},
		{name: "expired", token: cs.sign(t, cs.kid, expired), want: ErrExpiredToken},
		{name: "garbage", token: "not-a-token", want: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyIDToken(context.Background(), tt.token)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestFirebaseVerifier_RejectsHMAC(t *testing.T) {
	cs := newCertServer(t)
	v, err := NewFirebaseVerifier(testProject, WithCertURL(cs.srv.URL))
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validFirebaseClaims("u"))
	token.Header["kid"] = cs.kid
	s, err := token.SignedString([]byte("some-shared-secret-of-32-bytes!!"))
	require.NoError(t, err)

	_, err = v.VerifyIDToken(context.Background(), s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFirebaseVerifier_CachesCertificates(t *testing.T) {
	cs := newCertServer(t)
	cs.delay = 50 * time.Millisecond
	v, err := NewFirebaseVerifier(testProject, WithCertURL(cs.srv.URL))
	require.NoError(t, err)

	token := cs.sign(t, cs.kid, validFirebaseClaims("u"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.VerifyIDToken(context.Background(), token)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = v.VerifyIDToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cs.hits.Load())
}

func TestFirebaseVerifier_CertEndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cs := newCertServer(t)
	v, err := NewFirebaseVerifier(testProject, WithCertURL(srv.URL))
	require.NoError(t, err)

	_, err = v.VerifyIDToken(context.Background(), cs.sign(t, cs.kid, validFirebaseClaims("u")))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewFirebaseVerifier_RequiresProject(t *testing.T) {
	_, err := NewFirebaseVerifier("")
	assert.Error(t, err)
}

func TestParseMaxAge(t *testing.T) {
	assert.Equal(t, 600*time.Second, parseMaxAge("public, max-age=600, must-revalidate"))
	assert.Equal(t, defaultCertMaxAge, parseMaxAge("no-cache"))
	assert.Equal(t, defaultCertMaxAge, parseMaxAge("max-age=abc"))
	assert.Equal(t, defaultCertMaxAge, parseMaxAge(""))
}
