package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asisaid.cn/filestore/internal/common/errors"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret")
	require.NoError(t, err)
	return v
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.True(t, errors.IsConfiguration(err))
}

func TestVerifier_IssueVerify(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Issue("u1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	caller, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", caller.ID)
	assert.True(t, caller.IsAdmin())
}

func TestVerifier_Rejects(t *testing.T) {
	v := newTestVerifier(t)

	expired, err := v.Issue("u1", RoleUser, -time.Minute)
	require.NoError(t, err)

	other, err := NewVerifier("other-secret")
	require.NoError(t, err)
	foreign, err := other.Issue("u1", RoleUser, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleUser}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":    "not-a-token",
		"expired":    expired,
		"foreign":    foreign,
		"no subject": noSubject,
		"alg none":   unsigned,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.True(t, errors.IsUnauthorized(err), "Verify error = %v", err)
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := newTestVerifier(t)

	router := gin.New()
	whoami := func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, caller.ID)
	}
	router.GET("/verified", v.RequireVerified(), whoami)
	router.GET("/admin", v.RequireAdmin(), whoami)

	token := func(role string) string {
		tok, err := v.Issue("u-"+role, role, time.Hour)
		require.NoError(t, err)
		return "Bearer " + tok
	}

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"verified: no header", "/verified", "", http.StatusUnauthorized},
		{"verified: wrong scheme", "/verified", "Basic abc", http.StatusUnauthorized},
		{"verified: bad token", "/verified", "Bearer nope", http.StatusUnauthorized},
		{"verified: pending user", "/verified", token(RolePending), http.StatusForbidden},
		{"verified: user", "/verified", token(RoleUser), http.StatusOK},
		{"verified: admin", "/verified", token(RoleAdmin), http.StatusOK},
		{"admin: user", "/admin", token(RoleUser), http.StatusForbidden},
		{"admin: admin", "/admin", token(RoleAdmin), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCallerFrom_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := CallerFrom(c)
	assert.False(t, ok)
}
