package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenType string

const (
	Access  TokenType = "access"
	Refresh TokenType = "refresh"
)

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Claims carries the user identity and token kind. The refresh token's
// jti doubles as the session key.
type Claims struct {
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// Manager signs and validates HS256 tokens.
type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

// IssueAccessToken mints a short-lived access token for userID.
func (m *Manager) IssueAccessToken(userID string) (string, error) {
	token, _, err := m.issue(userID, Access, AccessTokenTTL)
	return token, err
}

// IssueRefreshToken mints a refresh token and returns its jti alongside
// it, for recording the session row.
func (m *Manager) IssueRefreshToken(userID string) (token, jti string, err error) {
	return m.issue(userID, Refresh, RefreshTokenTTL)
}

func (m *Manager) issue(userID string, typ TokenType, ttl time.Duration) (string, string, error) {
	now := time.Now().UTC()
	jti := uuid.New().String()
	claims := Claims{
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Kid reserved for key rotation; a single key serves today.
	token.Header["kid"] = "v1"

	signed, err := token.SignedString(m.signingKey)
	return signed, jti, err
}

// Validate parses a token and checks its signature, expiry and type.
func (m *Manager) Validate(tokenString string, want TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != want {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
