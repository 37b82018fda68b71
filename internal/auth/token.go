package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is the lifetime of every issued token.
const TokenTTL = 7 * 24 * time.Hour

var (
	ErrMalformedHeader = errors.New("invalid authorization header format")
	ErrMalformedToken  = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token has expired")
	ErrPasswordTooLong = errors.New("password too long")
)

// Identity is the verified subject of a token.
type Identity struct {
	SubjectID string `json:"user_id"`
	Email     string `json:"email"`
}

type claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 identity tokens.
type TokenService struct {
	Secret []byte
	Now    func() time.Time
}

func NewTokenService(secret string) (TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return TokenService{}, errors.New("jwt secret not configured")
	}
	return TokenService{Secret: []byte(secret), Now: time.Now}, nil
}

func (s TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs a token for the subject that expires TokenTTL after issuance.
func (s TokenService) Issue(subjectID, email string) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	iat := s.now().UTC().Truncate(time.Second)
	c := claims{
		UserID: subjectID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry and returns the embedded
// identity. It fails with ErrExpiredToken or ErrMalformedToken.
func (s TokenService) Verify(token string) (Identity, error) {
	if len(s.Secret) == 0 {
		return Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return s.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrMalformedToken
	}
	if c.UserID == "" || c.Email == "" {
		return Identity{}, fmt.Errorf("%w: user_id and email claims required", ErrMalformedToken)
	}
	return Identity{SubjectID: c.UserID, Email: c.Email}, nil
}
