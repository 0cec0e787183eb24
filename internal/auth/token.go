// Package auth verifies the bearer credentials presented by agents and
// dashboard sessions.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim on every token dbkeeper accepts.
const Issuer = "dbkeeper"

var (
	// ErrInvalidToken indicates a bad signature, malformed token or wrong issuer.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired indicates the token's exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrEmptySecret indicates the verifier was built without a signing secret.
	ErrEmptySecret = errors.New("jwt secret is required")
)

// Claims are the registered claims carried by a dbkeeper bearer token.
// The subject is the owning user's id.
type Claims struct {
	jwt.RegisteredClaims
}

// Principal is the verified identity behind a token.
type Principal struct {
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier creates a verifier for tokens signed with secret.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify checks the token's signature and expiry and returns its principal.
func (v *TokenVerifier) Verify(token string) (*Principal, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}

	return &Principal{UserID: userID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (v *TokenVerifier) keyFunc(*jwt.Token) (any, error) {
	return v.secret, nil
}

// TokenIssuer signs tokens with the same secret the verifier uses. The
// dashboard's login flow owns issuance in production; the issuer serves
// operator tooling and tests.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer for the given secret.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &TokenIssuer{secret: []byte(secret)}, nil
}

// Issue signs a token for userID valid for ttl.
func (i *TokenIssuer) Issue(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
