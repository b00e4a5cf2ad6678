package mtls

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer is the issuer claim stamped on session tokens
const TokenIssuer = "vessel-platform"

var (
	// ErrEmptySecret is returned when a signer is built without a key
	ErrEmptySecret = errors.New("signing secret is required")

	// ErrIdentityMismatch is returned when a token was minted for another agent
	ErrIdentityMismatch = errors.New("token subject does not match agent identity")
)

// SessionClaims are the claims carried by a control-plane session token
type SessionClaims struct {
	AgentName string `json:"agent_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 session tokens bound to an agent
// identity
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner creates a new token signer
func NewTokenSigner(secret []byte) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &TokenSigner{secret: secret}, nil
}

// Issue mints a token for the given agent identity
func (s *TokenSigner) Issue(identity, agentName string, validity time.Duration) (string, error) {
	if validity <= 0 {
		validity = 24 * time.Hour
	}

	now := time.Now()
	claims := SessionClaims{
		AgentName: agentName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   identity,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Validate verifies the signature, expiry and subject of a token. An empty
// identity skips the subject check.
func (s *TokenSigner) Validate(tokenString, identity string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if identity != "" && claims.Subject != identity {
		return nil, ErrIdentityMismatch
	}
	return claims, nil
}

// TokenExpiration reads the exp claim of a JWT without verifying it. ok is
// false when the token is not a JWT or carries no expiry.
func TokenExpiration(tokenString string) (exp time.Time, ok bool) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	numeric, err := token.Claims.GetExpirationTime()
	if err != nil || numeric == nil {
		return time.Time{}, false
	}
	return numeric.Time, true
}

// GenerateRandomSecret returns a URL-safe random secret of length bytes
func GenerateRandomSecret(length int) (string, error) {
	if length <= 0 {
		length = 32
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
