package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "access-secret-32-chars-long!!!!!"

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	mgr := NewJWTManager(testSecret)

	t.Run("generate and validate access token", func(t *testing.T) {
		team := int64(10)
		tok, err := mgr.GenerateAccessToken(123, &team, RoleAdmin, 15*time.Minute)
		require.NoError(t, err)
		assert.NotEmpty(t, tok)

		claims, err := mgr.ValidateAccessToken(tok)
		require.NoError(t, err)
		assert.Equal(t, int64(123), claims.UserID)
		require.NotNil(t, claims.TeamID)
		assert.Equal(t, int64(10), *claims.TeamID)
		assert.True(t, claims.IsAdmin())
	})

	t.Run("team is optional", func(t *testing.T) {
		tok, err := mgr.GenerateAccessToken(7, nil, "", time.Minute)
		require.NoError(t, err)

		claims, err := mgr.ValidateAccessToken(tok)
		require.NoError(t, err)
		assert.Nil(t, claims.TeamID)
		assert.False(t, claims.IsAdmin())
	})

	t.Run("invalid token fails validation", func(t *testing.T) {
		_, err := mgr.ValidateAccessToken("invalid-token")
		assert.Error(t, err)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		other := NewJWTManager("another-secret-32-chars-long!!!!")
		tok, err := other.GenerateAccessToken(1, nil, "", time.Minute)
		require.NoError(t, err)
		_, err = mgr.ValidateAccessToken(tok)
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		tok, err := mgr.GenerateAccessToken(1, nil, "", -1*time.Second)
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(tok)
		assert.Error(t, err)
	})

	t.Run("token without user id fails", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = mgr.ValidateAccessToken(tok)
		assert.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	mgr := NewJWTManager(testSecret)
	var seen *AccessClaims
	handler := Middleware(mgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserClaims(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := mgr.GenerateAccessToken(42, nil, "", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, int64(42), seen.UserID)
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tt := range []struct {
		name   string
		claims *AccessClaims
		want   int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"member", &AccessClaims{UserID: 1, Role: "member"}, http.StatusForbidden},
		{"admin", &AccessClaims{UserID: 1, Role: RoleAdmin}, http.StatusNoContent},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
