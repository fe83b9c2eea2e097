package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims represents the portal session token claims.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and validates portal session tokens.
type Sessions struct {
	secret []byte
	expiry time.Duration
}

func NewSessions(secret string, expiry time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), expiry: expiry}
}

// Expiry returns the lifetime of issued tokens.
func (s *Sessions) Expiry() time.Duration {
	return s.expiry
}

// Issue signs a session token for the user.
func (s *Sessions) Issue(user User) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		UserID: user.UserID,
		Name:   user.Name,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a session token and returns the user it was issued for.
func (s *Sessions) Validate(tokenStr string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	return &User{UserID: claims.UserID, Name: claims.Name, Email: claims.Email}, nil
}

// GenerateAccessToken returns a random 32-byte hex device access token.
func GenerateAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
