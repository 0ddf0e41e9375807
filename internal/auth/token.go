package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of the session JWT. ID carries the device session id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Signer issues and validates HS256 session tokens bound to one issuer and audience.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
}

// Registered fills the standard claims for a session token. Issuer and audience are set by the Signer.
func Registered(subject, sessionID string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func NewSigner(secret, issuer, audience string) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (s *Signer) IssueToken(claims Claims) (string, error) {
	if claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return "", ErrInvalidToken
	}
	claims.Issuer = s.issuer
	claims.Audience = jwt.ClaimStrings{s.audience}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Signer) ParseToken(value string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(value, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
