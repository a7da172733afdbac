package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	"farmledger/internal/core"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Claims is the JWT payload for a logged-in user.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

// UserSource provides the account list to authenticate against.
type UserSource interface {
	Users(ctx context.Context) ([]core.User, error)
}

// Authenticator issues and verifies session tokens. Passwords are compared
// as stored: the sheet backend keeps them in plain text.
type Authenticator struct {
	users  UserSource
	secret []byte
	ttl    time.Duration
}

func NewAuthenticator(users UserSource, secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Login checks credentials and returns a signed session token. When no
// accounts can be loaded at all, the built-in admin still works so the owner
// is never locked out.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, core.User, error) {
	users, err := a.users.Users(ctx)
	if err != nil || len(users) == 0 {
		users = []core.User{core.FallbackAdmin}
	}

	for _, u := range users {
		if u.Username != username {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
			break
		}
		token, err := a.issue(u)
		if err != nil {
			return "", core.User{}, fmt.Errorf("issue token: %w", err)
		}
		u.Password = ""
		return token, u, nil
	}
	return "", core.User{}, ErrInvalidCredentials
}

// Verify parses a session token and returns its claims.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (a *Authenticator) issue(u core.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: u.Username,
		Role:     u.Role,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(a.ttl).Unix(),
			Subject:   u.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
