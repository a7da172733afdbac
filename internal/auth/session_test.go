package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core"
)

type staticUsers struct {
	users []core.User
	err   error
}

func (s staticUsers) Users(ctx context.Context) ([]core.User, error) {
	return s.users, s.err
}

func TestLoginSuccess(t *testing.T) {
	a := NewAuthenticator(staticUsers{users: []core.User{
		{Username: "lan", Password: "pw", Role: core.RoleStaff},
	}}, "test-secret", time.Hour)

	token, user, err := a.Login(context.Background(), "lan", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "lan", user.Username)
	assert.Empty(t, user.Password, "password must not leave the auth layer")

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "lan", claims.Username)
	assert.Equal(t, core.RoleStaff, claims.Role)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a := NewAuthenticator(staticUsers{users: []core.User{
		{Username: "lan", Password: "pw", Role: core.RoleStaff},
	}}, "test-secret", time.Hour)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "lan", "nope"},
		{"unknown user", "ghost", "pw"},
		{"empty credentials", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := a.Login(context.Background(), tt.username, tt.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestLoginFallbackAdminWhenUsersUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		source staticUsers
	}{
		{"source errors", staticUsers{err: fmt.Errorf("boom")}},
		{"empty list", staticUsers{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthenticator(tt.source, "test-secret", time.Hour)
			_, user, err := a.Login(context.Background(), core.FallbackAdmin.Username, core.FallbackAdmin.Password)
			require.NoError(t, err)
			assert.Equal(t, core.RoleAdmin, user.Role)
		})
	}
}

func TestVerifyRejectsForgedAndExpiredTokens(t *testing.T) {
	source := staticUsers{users: []core.User{
		{Username: "lan", Password: "pw", Role: core.RoleStaff},
	}}
	a := NewAuthenticator(source, "test-secret", time.Hour)

	t.Run("garbage", func(t *testing.T) {
		_, err := a.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewAuthenticator(source, "other-secret", time.Hour)
		token, _, err := other.Login(context.Background(), "lan", "pw")
		require.NoError(t, err)
		_, err = a.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		short := NewAuthenticator(source, "test-secret", -time.Minute)
		short.ttl = -time.Minute
		token, _, err := short.Login(context.Background(), "lan", "pw")
		require.NoError(t, err)
		_, err = short.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
