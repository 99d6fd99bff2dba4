package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := MintToken("s3cret", "operator", Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)

	v := NewValidator("s3cret", "")
	p, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", p.Subject)
	assert.Equal(t, "jwt", p.Via)
}

func TestJWTWrongSecretRejected(t *testing.T) {
	token, err := MintToken("s3cret", "operator", Claims{})
	require.NoError(t, err)

	_, err = NewValidator("other", "").Validate(token)
	require.Error(t, err)
}

func TestJWTExpiredRejected(t *testing.T) {
	token, err := MintToken("s3cret", "operator", Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	require.NoError(t, err)

	_, err = NewValidator("s3cret", "").Validate(token)
	require.Error(t, err)
}

func TestJWTSubjectRequired(t *testing.T) {
	token, err := MintToken("s3cret", "", Claims{})
	require.NoError(t, err)

	_, err = NewValidator("s3cret", "").Validate(token)
	require.Error(t, err)
}

func TestAPIKeyValidation(t *testing.T) {
	hash, err := HashAPIKey("local-agent-key")
	require.NoError(t, err)

	v := NewValidator("", hash)
	p, err := v.Validate("local-agent-key")
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Via)

	_, err = v.Validate("wrong-key")
	require.Error(t, err)
}

func TestAPIKeyFallbackAfterJWTFailure(t *testing.T) {
	hash, err := HashAPIKey("local-agent-key")
	require.NoError(t, err)

	// Both forms configured: a non-JWT credential falls through to the
	// API key comparison.
	v := NewValidator("s3cret", hash)
	p, err := v.Validate("local-agent-key")
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Via)
}

func TestUnconfiguredValidatorFailsClosed(t *testing.T) {
	v := NewValidator("", "")
	assert.False(t, v.Configured())
	_, err := v.Validate("anything")
	require.Error(t, err)
}
