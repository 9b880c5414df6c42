package agentchat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func marioToken(t *testing.T) string {
	return signTestToken(t, jwt.MapClaims{
		"user_id":     1,
		"tenant_id":   1,
		"email":       "mario@pizza.com",
		"name":        "Mario",
		"role":        "manager",
		"tenant_name": "Mario's Pizza",
		"tenant_type": "restaurant",
		"exp":         time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	})
}

type fakeAuthAPI struct {
	token string
	err   error
}

func (f *fakeAuthAPI) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &LoginResult{AccessToken: f.token, TokenType: "bearer"}, nil
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(marioToken(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.UserID)
	assert.Equal(t, int64(1), p.TenantID)
	assert.Equal(t, "Mario - manager", p.UserLine())
	assert.Equal(t, "Mario's Pizza (restaurant)", p.TenantLine())
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), p.ExpiresAt.UTC())
	assert.False(t, p.Expired(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, p.Expired(time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseProfile_Malformed(t *testing.T) {
	tests := map[string]string{
		"not a token":     "garbage",
		"bad payload":     "eyJhbGciOiJIUzI1NiJ9.bm90LWpzb24.c2ln",
		"missing user_id": signTestToken(t, jwt.MapClaims{"tenant_id": 1}),
		"missing tenant":  signTestToken(t, jwt.MapClaims{"user_id": 1}),
		"wrong claim type": signTestToken(t, jwt.MapClaims{
			"user_id":   "one",
			"tenant_id": 1,
		}),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile(token)
			assert.ErrorIs(t, err, ErrMalformedCredential)
		})
	}
}

func TestIdentity_LoginPersistsToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := marioToken(t)
	id := NewIdentity(&fakeAuthAPI{token: token}, store, nil)

	p, err := id.Login(ctx, "mario@pizza.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, "Mario", p.Name)
	assert.True(t, id.Authenticated())
	assert.Equal(t, token, id.Token())

	stored, err := store.Get(ctx, KeyToken)
	require.NoError(t, err)
	assert.Equal(t, token, stored)

	// A fresh identity on the same store picks the token up again.
	restored, err := NewIdentity(nil, store, nil).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, restored)
}

func TestIdentity_LoginFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	loginErr := &APIError{Status: 401, Detail: "Invalid email or password"}
	id := NewIdentity(&fakeAuthAPI{err: loginErr}, store, nil)

	_, err := id.Login(ctx, "mario@pizza.com", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, id.Authenticated())

	_, err = store.Get(ctx, KeyToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdentity_MalformedTokenLogsOut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := NewIdentity(nil, store, nil)

	_, err := id.Authenticate(ctx, marioToken(t))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, KeyScope, "session_1_abcdefghi"))

	_, err = id.Authenticate(ctx, "not.a.token")
	require.ErrorIs(t, err, ErrMalformedCredential)
	assert.False(t, id.Authenticated())
	assert.Nil(t, id.Profile())
	assert.Empty(t, id.Token())

	_, err = store.Get(ctx, KeyToken)
	assert.ErrorIs(t, err, ErrNotFound)
	scope, err := store.Get(ctx, KeyScope)
	require.NoError(t, err)
	assert.Equal(t, "session_1_abcdefghi", scope, "scope survives logout")
}

func TestIdentity_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing stored", func(t *testing.T) {
		_, err := NewIdentity(nil, NewMemoryStore(), nil).Restore(ctx)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("empty value", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, KeyToken, ""))
		_, err := NewIdentity(nil, store, nil).Restore(ctx)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("corrupt value is removed", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, KeyToken, "corrupt"))
		_, err := NewIdentity(nil, store, nil).Restore(ctx)
		assert.ErrorIs(t, err, ErrMalformedCredential)
		_, err = store.Get(ctx, KeyToken)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIdentity_LogoutIdempotent(t *testing.T) {
	ctx := context.Background()
	id := NewIdentity(nil, NewMemoryStore(), nil)
	id.Logout(ctx)
	id.Logout(ctx)
	assert.False(t, id.Authenticated())
}

func TestIdentity_ProfileIsCopy(t *testing.T) {
	id := NewIdentity(nil, NewMemoryStore(), nil)
	_, err := id.Authenticate(context.Background(), marioToken(t))
	require.NoError(t, err)

	p := id.Profile()
	p.Name = "Wario"
	assert.Equal(t, "Mario", id.Profile().Name)
}
