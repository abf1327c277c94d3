package memory

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// MaxTokenDuration bounds the lifetime of RAG service tokens.
const MaxTokenDuration = 10 * time.Minute

// TokenSigner issues short-lived HS256 tokens identifying the agent to the
// RAG service.
type TokenSigner struct {
	agentID string
	secret  []byte
	now     func() time.Time
}

// NewTokenSigner creates a signer. An empty secret is rejected.
func NewTokenSigner(agentID, secret string) (*TokenSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return &TokenSigner{agentID: agentID, secret: []byte(secret), now: time.Now}, nil
}

// Token creates a token valid for duration.
func (s *TokenSigner) Token(duration time.Duration) (string, error) {
	if duration <= 0 {
		return "", fmt.Errorf("duration must be positive")
	}
	if duration > MaxTokenDuration {
		return "", fmt.Errorf("duration %v exceeds maximum allowed %v", duration, MaxTokenDuration)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    "walletguard",
		Subject:   s.agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
