// ABOUTME: JWT session tokens that carry a principal id and its device role
// ABOUTME: Uses HS256 signing; the audience claim selects browser or phone

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HMAC secret size in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrUnknownRole   = errors.New("unknown audience")
	ErrSecretTooWeak = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Role identifies which side of the pairing a principal is acting as.
type Role string

const (
	RoleBrowser Role = "browser"
	RolePhone   Role = "phone"
)

// Audience values written into session tokens.
const (
	AudienceBrowser = "browser-wallet"
	AudiencePhone   = "phone-wallet"
)

// Audience returns the JWT audience for the role.
func (r Role) Audience() string {
	switch r {
	case RoleBrowser:
		return AudienceBrowser
	case RolePhone:
		return AudiencePhone
	default:
		return ""
	}
}

// RoleForAudience maps an audience claim back to a role.
func RoleForAudience(aud string) (Role, error) {
	switch aud {
	case AudienceBrowser:
		return RoleBrowser, nil
	case AudiencePhone:
		return RolePhone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, aud)
	}
}

// Principal is an authenticated identity. Both devices of one account share
// the ID; Role tells them apart.
type Principal struct {
	ID   string
	Role Role
}

// PrincipalResolver turns a presented credential into a principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, credential string) (Principal, error)
}

// JWTVerifier implements PrincipalResolver using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooWeak
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Resolve verifies the session token.
func (v *JWTVerifier) Resolve(_ context.Context, credential string) (Principal, error) {
	return v.Verify(credential)
}

// Verify validates the token and extracts the principal from the "sub" (or
// legacy "user_id") and "aud" claims.
func (v *JWTVerifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	id, _ := claims["sub"].(string)
	if id == "" {
		id, _ = claims["user_id"].(string)
	}
	if id == "" {
		return Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return Principal{}, fmt.Errorf("%w: aud", ErrMissingClaim)
	}
	role, err := RoleForAudience(aud[0])
	if err != nil {
		return Principal{}, err
	}

	return Principal{ID: id, Role: role}, nil
}

// Generate creates a session token for the principal with expiration
func (v *JWTVerifier) Generate(p Principal, expiresIn time.Duration) (string, error) {
	aud := p.Role.Audience()
	if aud == "" {
		return "", fmt.Errorf("%w: role %q", ErrUnknownRole, p.Role)
	}
	if p.ID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	now := v.now()
	claims := jwt.MapClaims{
		"sub":     p.ID,
		"user_id": p.ID,
		"aud":     aud,
		"iat":     now.Unix(),
		"exp":     now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
