package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for tokens that fail parsing or validation
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSecret is returned when a service is built without a key
	ErrMissingSecret = errors.New("jwt secret must not be empty")
)

// Claims are the token claims issued and accepted by Service
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Service issues and validates HS256 tokens
type Service struct {
	secret   []byte
	tokenTTL time.Duration
	issuer   string
	now      func() time.Time
}

// NewService creates a Service. issuer may be empty.
func NewService(secret string, tokenTTL time.Duration, issuer string) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Service{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		issuer:   issuer,
		now:      time.Now,
	}, nil
}

// GenerateToken signs a token for the user
func (s *Service) GenerateToken(userID, email string, roles []string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id must not be empty")
	}

	now := s.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a token and returns its claims. Only HS256 is
// accepted.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
