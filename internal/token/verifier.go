package token

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/communergy/trusted-entity/internal/domain"
)

var (
	ErrInvalidSignature     = errors.New("token signature does not match trusted key")
	ErrUnsupportedAlgorithm = errors.New("token declares an unsupported signing algorithm")
	ErrMalformed            = errors.New("token is malformed or missing required claims")
	ErrExpired              = errors.New("token has expired")
)

// validationClaims mirrors the claim names used by the community backend when
// it signs a validation request: uid (requesting user), eri (energy record),
// exp (expiry).
type validationClaims struct {
	UserID         uuid.UUID `json:"uid"`
	EnergyRecordID uuid.UUID `json:"eri"`
	jwt.RegisteredClaims
}

// Verifier validates community-issued validation tokens against a trusted
// public key. The signing algorithm is pinned at construction time and
// enforced in the keyfunc; the algorithm declared inside a token is never
// trusted.
type Verifier struct {
	key *rsa.PublicKey
	alg string
}

// NewVerifier parses the PEM-encoded public key and pins the expected
// algorithm. Only the RSA family is supported, matching the issuer.
func NewVerifier(publicKeyPEM []byte, algorithm string) (*Verifier, error) {
	switch algorithm {
	case jwt.SigningMethodRS256.Alg(), jwt.SigningMethodRS384.Alg(), jwt.SigningMethodRS512.Alg():
	default:
		return nil, fmt.Errorf("unsupported verification algorithm %q", algorithm)
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse verification public key: %w", err)
	}

	return &Verifier{key: key, alg: algorithm}, nil
}

// Verify checks the token's signature and structure and returns the claims it
// authorizes. It is a pure function of (token, trusted key); callers must
// still compare ExpiresAt against their own clock before acting on the
// claims.
func (v *Verifier) Verify(tokenString string) (*domain.ValidationClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &validationClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != v.alg {
			return nil, fmt.Errorf("%w: token declares %q, verifier pins %q", ErrUnsupportedAlgorithm, t.Method.Alg(), v.alg)
		}
		return v.key, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedAlgorithm):
			return nil, err
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	claims, ok := parsed.Claims.(*validationClaims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if claims.UserID == uuid.Nil || claims.EnergyRecordID == uuid.Nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: uid, eri and exp are required", ErrMalformed)
	}

	return &domain.ValidationClaims{
		UserID:         claims.UserID,
		EnergyRecordID: claims.EnergyRecordID,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}
