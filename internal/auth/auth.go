// Package auth provides optional bearer-token verification for the HTTP
// API. Identity management lives outside this service; the verifier only
// checks that a token was signed by the configured Ed25519 key.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the registered claims carried by an accepted token.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against an Ed25519 public key.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier creates a Verifier from a PEM public key file. An empty
// path returns a nil Verifier, which disables authentication.
func NewVerifier(publicKeyPath string) (*Verifier, error) {
	if publicKeyPath == "" {
		return nil, nil
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return &Verifier{publicKey: edPub}, nil
}

// NewVerifierFromKey creates a Verifier from an in-memory public key.
func NewVerifierFromKey(pub ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: pub}
}

// Verify parses and validates a bearer token, returning its claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}
