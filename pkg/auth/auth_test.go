package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maggmcp/magg/pkg/magg"
)

func initializedManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, m.InitKeys())
	return m
}

func TestManagerDisabledWithoutKey(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir(), "")
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	_, err = m.CreateToken("dev", time.Hour, nil)
	require.ErrorIs(t, err, magg.ErrAuth)
}

func TestInitKeysPermissions(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)
	assert.True(t, m.Enabled())

	info, err := os.Stat(m.KeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "private key is owner read/write only")

	require.Error(t, m.InitKeys(), "refuses to overwrite an existing key")
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)

	token, err := m.CreateToken("alice", time.Hour, []string{"read", "write"})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.Contains(t, claims.Audience, DefaultAudience)
	assert.Equal(t, []string{"read", "write"}, claims.Scopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
}

func TestValidateRejectsExpired(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)

	token, err := m.CreateToken("alice", time.Millisecond, nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = m.ValidateToken(token)
	require.ErrorIs(t, err, magg.ErrAuth)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)

	now := time.Now()
	wrongAud := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": DefaultIssuer,
		"aud": "someone-else",
		"sub": "alice",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	signed, err := wrongAud.SignedString(m.privateKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(signed)
	require.ErrorIs(t, err, magg.ErrAuth)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)
	other := initializedManager(t)

	token, err := other.CreateToken("mallory", time.Hour, nil)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	require.ErrorIs(t, err, magg.ErrAuth)
}

func TestLoadRejectsLooseKeyPermissions(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)
	require.NoError(t, os.Chmod(m.KeyPath(), 0o644))

	_, err := NewManager(m.keyDir, "")
	require.ErrorIs(t, err, magg.ErrValidation)
}

func TestPrivateKeyEnvOverride(t *testing.T) {
	t.Parallel()

	source := initializedManager(t)
	pemText, err := source.PrivateKeyPEM()
	require.NoError(t, err)

	m, err := NewManager(t.TempDir(), pemText)
	require.NoError(t, err)
	assert.True(t, m.Enabled())

	token, err := source.CreateToken("alice", time.Hour, nil)
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	require.NoError(t, err, "override key validates tokens from the same keypair")
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := m.Middleware(next)

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed token", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()
		token, err := m.CreateToken("alice", time.Hour, nil)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("disabled auth passes through", func(t *testing.T) {
		t.Parallel()
		disabled, err := NewManager(t.TempDir(), "")
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		disabled.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestPublicKeyPEM(t *testing.T) {
	t.Parallel()

	m := initializedManager(t)
	pemText, err := m.PublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, pemText, "BEGIN PUBLIC KEY")
}
