package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-32-chars-minimum"

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner(StaticSecret(testSecret), time.Hour)

	token, err := s.Generate("user-42", GenerateOptions{Role: "admin", Permissions: []string{"rollback"}})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."))

	claims := s.Verify(token)
	require.NotNil(t, claims)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{Audience}, claims.Audience)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, []string{"rollback"}, claims.Permissions)
	assert.False(t, claims.IsService())
}

func TestSigner_WrongSecretReturnsNil(t *testing.T) {
	token, err := NewSigner(StaticSecret(testSecret), 0).Generate("user-42", GenerateOptions{})
	require.NoError(t, err)

	assert.Nil(t, NewSigner(StaticSecret("another-secret"), 0).Verify(token))
}

func TestSigner_Verify_Garbage(t *testing.T) {
	s := NewSigner(StaticSecret(testSecret), 0)
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		assert.Nil(t, s.Verify(tok), tok)
	}
}

func TestSigner_GenerateService(t *testing.T) {
	s := NewSigner(StaticSecret(testSecret), 24*time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token, err := s.GenerateService("opal-worker")
	require.NoError(t, err)

	claims := s.Verify(token)
	require.NotNil(t, claims)
	assert.Equal(t, "service:opal-worker", claims.Subject)
	assert.Equal(t, "opal-worker", claims.Service)
	assert.True(t, claims.IsService())
	assert.Equal(t, now.Add(time.Hour), claims.ExpiresAt.Time.UTC())
}

func TestSigner_Expired(t *testing.T) {
	s := NewSigner(StaticSecret(testSecret), time.Minute)
	issued := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return issued }
	token, err := s.Generate("user-1", GenerateOptions{})
	require.NoError(t, err)

	s.now = time.Now
	assert.Nil(t, s.Verify(token))
}

func TestSigner_WrongIssuer(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "someone-else",
		Audience:  jwt.ClaimStrings{Audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	assert.Nil(t, NewSigner(StaticSecret(testSecret), 0).Verify(token))
}

func TestSigner_SecretLoadedLazilyOnce(t *testing.T) {
	var loads atomic.Int32
	s := NewSigner(func() (string, error) {
		loads.Add(1)
		return testSecret, nil
	}, 0)
	assert.Equal(t, int32(0), loads.Load())

	token, err := s.Generate("u", GenerateOptions{})
	require.NoError(t, err)
	require.NotNil(t, s.Verify(token))
	assert.Equal(t, int32(1), loads.Load())
}

func TestSigner_MissingSecret(t *testing.T) {
	s := NewSigner(StaticSecret(""), 0)

	_, err := s.Generate("u", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OSA_AUTH_JWT_SECRET")
	assert.Nil(t, s.Verify("anything"))
}

func TestMiddleware(t *testing.T) {
	s := NewSigner(StaticSecret(testSecret), 0)
	token, err := s.Generate("user-7", GenerateOptions{})
	require.NoError(t, err)

	var seen string
	h := Middleware(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = c.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/health", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "user-7", seen)
}
