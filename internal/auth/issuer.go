package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints HS256 tokens that a JWTVerifier with the same secret accepts.
// Production deployments normally get tokens from an external identity
// provider; this exists for development and the `orbit token` command.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewIssuer creates an issuer signing with secret
func NewIssuer(secret []byte, opts ...JWTOption) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token issuer requires a secret")
	}
	o := buildOptions(opts)
	return &Issuer{
		secret:   append([]byte(nil), secret...),
		issuer:   o.issuer,
		audience: o.audience,
		now:      o.now,
	}, nil
}

// Issue returns a signed token for subject valid for ttl
func (i *Issuer) Issue(subject string, ttl time.Duration, capabilities ...string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("subject must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Capabilities: capabilities,
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
