package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("orbit_secret_key_for_tests")

func newTestIssuer(t *testing.T, opts ...JWTOption) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(testSecret, opts...)
	require.NoError(t, err)
	return issuer
}

func newTestVerifier(t *testing.T, opts ...JWTOption) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret, opts...)
	require.NoError(t, err)
	return verifier
}

func signMap(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestJWTVerifier_AcceptsIssuedToken(t *testing.T) {
	token, err := newTestIssuer(t).Issue("commander", time.Hour, "halt", "prompt")
	require.NoError(t, err)

	id, err := newTestVerifier(t).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "commander", id.Subject)
	assert.Equal(t, []string{"halt", "prompt"}, id.Capabilities)
	assert.True(t, id.Can("halt"))
	assert.False(t, id.Can("approve"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()

	expired, err := newTestIssuer(t, WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	})).Issue("commander", time.Hour)
	require.NoError(t, err)

	otherKey, err := NewIssuer([]byte("some-other-secret"))
	require.NoError(t, err)
	wrongSecret, err := otherKey.Issue("commander", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		reason     string
	}{
		{"empty", "", "missing credential"},
		{"whitespace", "   ", "missing credential"},
		{"garbage", "not-a-jwt", "malformed token"},
		{"expired", expired, "token expired"},
		{"wrong secret", wrongSecret, "invalid signature"},
		{
			"missing exp",
			signMap(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "commander"}),
			"missing required claim",
		},
		{
			"missing sub",
			signMap(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"exp": future}),
			"missing subject claim",
		},
		{
			"alg none",
			signMap(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"sub": "commander", "exp": future}),
			"invalid signature",
		},
	}

	verifier := newTestVerifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := verifier.Verify(tt.credential)
			require.Error(t, err)
			assert.Nil(t, id)
			assert.True(t, errors.Is(err, ErrUnauthorized))

			var authErr *AuthError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tt.reason, authErr.Reason)
		})
	}
}

func TestJWTVerifier_IssuerAndAudience(t *testing.T) {
	verifier := newTestVerifier(t, WithIssuer("orbit"), WithAudience("control"))

	good, err := newTestIssuer(t, WithIssuer("orbit"), WithAudience("control")).Issue("commander", time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(good)
	require.NoError(t, err)

	wrongAudience, err := newTestIssuer(t, WithIssuer("orbit"), WithAudience("billing")).Issue("commander", time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(wrongAudience)
	require.ErrorIs(t, err, ErrUnauthorized)

	noIssuer, err := newTestIssuer(t).Issue("commander", time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(noIssuer)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTVerifier_Leeway(t *testing.T) {
	base := time.Now()
	token, err := newTestIssuer(t, WithClock(func() time.Time { return base })).Issue("commander", time.Minute)
	require.NoError(t, err)

	late := func() time.Time { return base.Add(time.Minute + 10*time.Second) }

	_, err = newTestVerifier(t, WithClock(late)).Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = newTestVerifier(t, WithClock(late), WithLeeway(30*time.Second)).Verify(token)
	require.NoError(t, err)
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	require.Error(t, err)
	_, err = NewIssuer(nil)
	require.Error(t, err)
}

func TestIssuer_ValidatesInput(t *testing.T) {
	issuer := newTestIssuer(t)
	_, err := issuer.Issue("", time.Minute)
	require.Error(t, err)
	_, err = issuer.Issue("commander", 0)
	require.Error(t, err)
}

func TestStaticTokenVerifier(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, token, staticTokenLength*2)

	verifier, err := NewStaticTokenVerifier(token, "")
	require.NoError(t, err)

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", id.Subject)

	_, err = verifier.Verify(token + "x")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = verifier.Verify("")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = NewStaticTokenVerifier("  ", "x")
	require.Error(t, err)
}
