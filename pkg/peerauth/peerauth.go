// Package peerauth signs and verifies the JWT credential a
// ReplicationReadEnvelope carries so an acceptor can trust the caller's
// claimed endpoint identity before applying the application-compatibility
// gate.
package peerauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"replicore/pkg/types"
)

// Claims identifies the calling endpoint.
type Claims struct {
	EndpointID types.EndpointID `json:"endpoint_id"`
	jwt.RegisteredClaims
}

// Signer issues short-lived tokens that Replicators and the recovery
// Coordinator attach to outgoing reads.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer using secret as the HMAC key.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl}
}

// Sign issues a token asserting endpointID.
func (s *Signer) Sign(endpointID types.EndpointID) (string, error) {
	now := time.Now()
	claims := Claims{
		EndpointID: endpointID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verifier checks tokens presented by peers.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier using the same secret as the peer's Signer.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates tokenString, returning the asserted endpoint
// identity.
func (v *Verifier) Verify(tokenString string) (types.EndpointID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify peer token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid peer token")
	}
	return claims.EndpointID, nil
}
