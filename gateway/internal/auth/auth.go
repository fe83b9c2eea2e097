// Package auth verifies the assertions attached to inbound directives and issues the
// session tokens used by the device portal API.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/voicelink/voicelink/gateway/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

// User is the voice-platform user named by an ingress assertion. Authorization
// directives arrive before the user is known, so UserID may be empty.
type User struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// IngressClaims is the claim set signed by the ingress adapter.
type IngressClaims struct {
	User *User `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// IngressVerifier validates the X-Alexa-JWT header of an inbound directive.
type IngressVerifier interface {
	VerifyIngress(ctx context.Context, token string) (*User, error)
}

// NewIngressVerifier picks the JWKS verifier when a key set URL is configured and the
// shared-secret verifier otherwise.
func NewIngressVerifier(cfg config.AuthConfig) (IngressVerifier, error) {
	switch {
	case cfg.IngressJWKSURL != "":
		return NewJWKSVerifier(cfg.IngressJWKSURL)
	case cfg.IngressSecret != "":
		return NewHMACVerifier(cfg.IngressSecret), nil
	default:
		return nil, fmt.Errorf("no ingress verifier configured")
	}
}

// HMACVerifier checks HS256 assertions signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) VerifyIngress(_ context.Context, tokenStr string) (*User, error) {
	return parseIngress(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
}

// JWKSVerifier checks assertions against a remote JSON Web Key Set.
type JWKSVerifier struct {
	jwks keyfunc.Keyfunc
}

// NewJWKSVerifier fetches the key set and keeps it refreshed in the background.
func NewJWKSVerifier(jwksURL string) (*JWKSVerifier, error) {
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSVerifier{jwks: jwks}, nil
}

func (v *JWKSVerifier) VerifyIngress(ctx context.Context, tokenStr string) (*User, error) {
	return parseIngress(tokenStr, v.jwks.KeyfuncCtx(ctx))
}

func parseIngress(tokenStr string, keyFunc jwt.Keyfunc) (*User, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenStr, &IngressClaims{}, keyFunc, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(*IngressClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.User == nil {
		return &User{}, nil
	}
	return claims.User, nil
}
