package services

import (
	"errors"
	"fmt"
	"time"

	"peerlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrForbidden    = errors.New("insufficient permissions")
)

// AuthService issues and validates the bearer tokens presented to the
// control API and the relay.
type AuthService interface {
	GenerateToken(subject string, role domain.Role, roomID string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims identifies the bearer. An empty RoomID is valid for every room.
type Claims struct {
	Role   domain.Role `json:"role"`
	RoomID string      `json:"rid,omitempty"`
	jwt.RegisteredClaims
}

// Authorize checks that the claims grant role in roomID.
func (c *Claims) Authorize(role domain.Role, roomID string) error {
	if !c.Role.Covers(role) {
		return fmt.Errorf("%w: %s required", ErrForbidden, role)
	}
	if c.RoomID != "" && roomID != "" && c.RoomID != roomID {
		return fmt.Errorf("%w: token is bound to room %s", ErrForbidden, c.RoomID)
	}
	return nil
}

type authService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  clock.Clock
}

func NewAuthService(secret string, ttl time.Duration, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.New()
	}
	return &authService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "peerlink",
		clock:  clk,
	}
}

func (s *authService) GenerateToken(subject string, role domain.Role, roomID string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := s.clock.Now()
	claims := &Claims{
		Role:   role,
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
