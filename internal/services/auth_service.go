package services

import (
	"context"
	"strconv"
	"time"

	relay_errors "relay-chat/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// AuthService verifies the bearer tokens issued by the identity provider.
// Issuing is only used by tooling and tests.
type AuthService struct {
	jwtSecret []byte
	accessTTL time.Duration
	now       func() time.Time
}

type AccessClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

func NewAuthService(secret string, accessTTL time.Duration) *AuthService {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &AuthService{jwtSecret: []byte(secret), accessTTL: accessTTL, now: time.Now}
}

// ParseAccessToken validates an HMAC signed token and returns the user id
// in its subject.
func (s *AuthService) ParseAccessToken(tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, relay_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, relay_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, relay_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return 0, relay_errors.ErrUnauthorized
	}
	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return 0, relay_errors.ErrUnauthorized
	}
	return userID, nil
}

// IssueAccessToken signs a token for userID.
func (s *AuthService) IssueAccessToken(userID int64) (string, error) {
	now := s.now()
	sub := strconv.FormatInt(userID, 10)
	claims := AccessClaims{
		UserID: sub,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

type ctxKey string

const userIDKey ctxKey = "auth_user_id"

func WithUserContext(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok && userID > 0
}
