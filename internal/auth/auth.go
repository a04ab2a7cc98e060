package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	defaultExp = time.Hour * 24
	// tokens are re-minted this long before they expire
	refreshSkew = time.Minute
)

// TokenSource supplies the bearer credential presented when connecting. The
// value is opaque to the rest of the module.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(_ context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("empty token")
	}
	return string(t), nil
}

// SignedToken mints HS256 session tokens for a user, in the format issued by
// the chat server's login endpoint. It is intended for local development.
type SignedToken struct {
	key    []byte
	userId string
	exp    time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewSignedToken(key []byte, userId string, exp time.Duration) (*SignedToken, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key cannot be empty")
	}
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if exp <= 0 {
		exp = defaultExp
	}

	return &SignedToken{
		key:    key,
		userId: userId,
		exp:    exp,
	}, nil
}

func (s *SignedToken) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Add(refreshSkew).Before(s.expires) {
		return s.token, nil
	}

	expires := time.Now().Add(s.exp)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: s.userId,
		expClaim:    expires.Unix(),
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.token = signed
	s.expires = expires
	return signed, nil
}

// UserIdFromToken verifies tokenString with key and returns its user id claim.
func UserIdFromToken(key []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}

// NewTokenSource picks the credentials for userId. A token is used as is,
// after checking its user id claim when key is also given. A key alone mints
// signed tokens.
func NewTokenSource(userId, token string, key []byte) (TokenSource, error) {
	switch {
	case token != "" && len(key) > 0:
		claimed, err := UserIdFromToken(key, token)
		if err != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
		if claimed != userId {
			return nil, fmt.Errorf("token is for user %q, not %q", claimed, userId)
		}
		return StaticToken(token), nil
	case token != "":
		return StaticToken(token), nil
	case len(key) > 0:
		src, err := NewSignedToken(key, userId, 0)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("no credentials for %q", userId)
	}
}
