// Package auth guards the REST surface of a local bridge daemon. Two
// credential forms are accepted on the Authorization header: a signed
// JWT (HS256, shared secret) or a static API key checked against a
// bcrypt hash. Either is enough; agents typically use the static key,
// operator tooling mints short-lived JWTs.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Principal identifies the authenticated caller for audit fields.
type Principal struct {
	Subject string
	// Via records which credential form matched: "jwt" or "api_key".
	Via string
}

type principalKey struct{}

// WithPrincipal attaches the caller identity to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller identity, or nil for unauthenticated
// requests (public paths, auth disabled).
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Claims are the JWT claims the bridge issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator checks bearer credentials. A zero Validator rejects
// everything (fail closed).
type Validator struct {
	secret     []byte
	apiKeyHash []byte
}

// NewValidator builds a validator from the configured JWT secret and
// bcrypt API key hash. Either may be empty.
func NewValidator(jwtSecret, apiKeyHash string) *Validator {
	v := &Validator{}
	if jwtSecret != "" {
		v.secret = []byte(jwtSecret)
	}
	if apiKeyHash != "" {
		v.apiKeyHash = []byte(apiKeyHash)
	}
	return v
}

// Configured reports whether at least one credential form is set up.
func (v *Validator) Configured() bool {
	return len(v.secret) > 0 || len(v.apiKeyHash) > 0
}

// Validate checks a bearer token and returns the caller identity.
// JWTs are tried first; anything that does not look like a JWT falls
// through to the API key comparison.
func (v *Validator) Validate(token string) (*Principal, error) {
	if len(v.secret) > 0 {
		if p, err := v.validateJWT(token); err == nil {
			return p, nil
		} else if len(v.apiKeyHash) == 0 {
			return nil, err
		}
	}
	if len(v.apiKeyHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.apiKeyHash, []byte(token)); err == nil {
			return &Principal{Subject: "api_key", Via: "api_key"}, nil
		}
	}
	return nil, fmt.Errorf("credential rejected")
}

func (v *Validator) validateJWT(token string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	return &Principal{Subject: claims.Subject, Via: "jwt"}, nil
}

// MintToken issues a signed JWT for operator tooling. Used by the CLI's
// login helper, not by the daemon itself.
func MintToken(secret, subject string, claims Claims) (string, error) {
	claims.Subject = subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// HashAPIKey produces the bcrypt hash stored in the config file for a
// chosen API key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
