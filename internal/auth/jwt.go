package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aura-classroom/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds JWT claims for a teacher or student identity.
type Claims struct {
	IdentityID uuid.UUID   `json:"identity_id"`
	Role       models.Role `json:"role"`
	Name       string      `json:"name"`
	SessionID  uuid.UUID   `json:"session_id"`
	jwt.RegisteredClaims
}

// Identity returns the caller identity carried by the claims.
func (c *Claims) Identity() models.Identity {
	return models.Identity{ID: c.IdentityID, Role: c.Role, Name: c.Name}
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
	now         func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	if expireHours <= 0 {
		expireHours = 24
	}
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		now:         time.Now,
	}
}

// Generate creates a new JWT for the session's identity.
func (s *JWTService) Generate(sess *models.Session) (string, error) {
	now := s.now()
	claims := Claims{
		IdentityID: sess.IdentityID(),
		Role:       sess.Role,
		Name:       sess.Name,
		SessionID:  sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.IdentityID().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !claims.Role.Valid() || claims.IdentityID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateIdentity validates a token and returns its identity. Used by the WebSocket upgrade.
func (s *JWTService) ValidateIdentity(tokenString string) (models.Identity, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity(), nil
}
