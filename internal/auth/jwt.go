package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is stamped into issued tokens and expected on verification.
const DefaultIssuer = "event_hub"

// Claims is the token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig selects the verification key. Exactly one of PublicKeyPEM
// (RS256) or HMACSecret (HS256) must be set.
type JWTConfig struct {
	PublicKeyPEM string
	HMACSecret   string
	Issuer       string
	Leeway       time.Duration
}

// JWTAuthorizer verifies signed tokens and reads their role claim.
type JWTAuthorizer struct {
	method    jwt.SigningMethod
	key       any
	parserOps []jwt.ParserOption
}

// NewJWTAuthorizer builds an authorizer from cfg.
func NewJWTAuthorizer(cfg JWTConfig) (*JWTAuthorizer, error) {
	a := &JWTAuthorizer{}
	switch {
	case cfg.PublicKeyPEM != "" && cfg.HMACSecret != "":
		return nil, errors.New("configure either a public key or an HMAC secret, not both")
	case cfg.PublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		a.method, a.key = jwt.SigningMethodRS256, key
	case cfg.HMACSecret != "":
		a.method, a.key = jwt.SigningMethodHS256, []byte(cfg.HMACSecret)
	default:
		return nil, errors.New("no verification key configured")
	}

	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	a.parserOps = []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	return a, nil
}

// Authorize implements Authorizer.
func (a *JWTAuthorizer) Authorize(_ context.Context, token string) (Role, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, a.parserOps...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return role, nil
}

// Signer mints tokens for the roles above.
type Signer struct {
	method jwt.SigningMethod
	key    any
	issuer string
	now    func() time.Time
}

// NewHMACSigner signs with HS256.
func NewHMACSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("empty HMAC secret")
	}
	return &Signer{method: jwt.SigningMethodHS256, key: []byte(secret), issuer: DefaultIssuer, now: time.Now}, nil
}

// NewRSASigner signs with RS256 using a PEM encoded private key.
func NewRSASigner(privateKeyPEM string) (*Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newRSASigner(key), nil
}

func newRSASigner(key *rsa.PrivateKey) *Signer {
	return &Signer{method: jwt.SigningMethodRS256, key: key, issuer: DefaultIssuer, now: time.Now}
}

// WithIssuer sets the iss claim of issued tokens. An empty issuer keeps
// the current one.
func (s *Signer) WithIssuer(issuer string) *Signer {
	if issuer != "" {
		s.issuer = issuer
	}
	return s
}

// Issue returns a token granting role to userID for ttl. A negative ttl
// yields an already expired token, which is useful for testing clients.
func (s *Signer) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	now := s.now()
	iat := now
	if ttl < 0 {
		iat = now.Add(2 * ttl)
	}
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(iat),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
