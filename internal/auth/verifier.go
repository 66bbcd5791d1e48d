// Package auth verifies the credential a client presents when it opens a
// control connection.
//
// Verification is a pure function of the credential and the configured trust
// root. A rejected credential never yields an Identity; callers must treat
// every error as terminal for the connection attempt.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is matched by every AuthError
var ErrUnauthorized = errors.New("unauthorized")

const staticTokenLength = 32

// AuthError describes why a credential was rejected. The reason is meant for
// server logs only and must not be sent to the client.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUnauthorized, e.Err}
	}
	return []error{ErrUnauthorized}
}

func reject(reason string, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// Identity is the verified subject behind a connection
type Identity struct {
	Subject string
	// Capabilities granted by the credential. Admission does not consult
	// them yet.
	Capabilities []string
	ExpiresAt    time.Time
}

// Can reports whether the identity was granted capability
func (id *Identity) Can(capability string) bool {
	for _, c := range id.Capabilities {
		if c == capability || c == "*" {
			return true
		}
	}
	return false
}

// Verifier validates a credential and returns the identity it proves
type Verifier interface {
	Verify(credential string) (*Identity, error)
}

// Claims is the JWT claim set accepted and issued by this package
type Claims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"caps,omitempty"`
}

// JWTVerifier accepts HS256 tokens that carry both an expiry and a subject
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// JWTOption configures a JWTVerifier or Issuer
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// WithIssuer requires (or, for an Issuer, sets) the iss claim
func WithIssuer(issuer string) JWTOption {
	return func(o *jwtOptions) { o.issuer = issuer }
}

// WithAudience requires (or, for an Issuer, sets) the aud claim
func WithAudience(audience string) JWTOption {
	return func(o *jwtOptions) { o.audience = audience }
}

// WithLeeway tolerates clock skew when checking exp/nbf/iat
func WithLeeway(d time.Duration) JWTOption {
	return func(o *jwtOptions) { o.leeway = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) JWTOption {
	return func(o *jwtOptions) { o.now = now }
}

func buildOptions(opts []JWTOption) jwtOptions {
	o := jwtOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewJWTVerifier creates a verifier for tokens signed with secret
func NewJWTVerifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt verifier requires a secret")
	}
	o := buildOptions(opts)
	return &JWTVerifier{
		secret:   append([]byte(nil), secret...),
		issuer:   o.issuer,
		audience: o.audience,
		leeway:   o.leeway,
		now:      o.now,
	}, nil
}

// Verify parses and validates credential
func (v *JWTVerifier) Verify(credential string) (*Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, reject("missing credential", nil)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, reject("invalid token", nil)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, reject("missing subject claim", nil)
	}

	id := &Identity{
		Subject:      claims.Subject,
		Capabilities: claims.Capabilities,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func classify(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return reject("malformed token", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return reject("missing required claim", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return reject("token expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return reject("token not yet valid", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return reject("invalid signature", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return reject("invalid issuer or audience", err)
	default:
		return reject("invalid token", err)
	}
}

// StaticTokenVerifier admits exactly one shared token. It is meant for local
// single-operator setups where issuing JWTs is overkill.
type StaticTokenVerifier struct {
	token   []byte
	subject string
}

// NewStaticTokenVerifier creates a verifier for token; every admitted
// connection gets subject as its identity
func NewStaticTokenVerifier(token, subject string) (*StaticTokenVerifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("static token verifier requires a token")
	}
	if subject == "" {
		subject = "operator"
	}
	return &StaticTokenVerifier{token: []byte(token), subject: subject}, nil
}

// Verify compares credential against the shared token in constant time
func (v *StaticTokenVerifier) Verify(credential string) (*Identity, error) {
	if credential == "" {
		return nil, reject("missing credential", nil)
	}
	if subtle.ConstantTimeCompare([]byte(credential), v.token) != 1 {
		return nil, reject("token mismatch", nil)
	}
	return &Identity{Subject: v.subject}, nil
}

// GenerateToken returns a random hex token suitable for StaticTokenVerifier
func GenerateToken() (string, error) {
	bytes := make([]byte, staticTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
