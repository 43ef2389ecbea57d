// Package auth verifies callers from HS256 bearer tokens issued by the
// identity service.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"asisaid.cn/filestore/internal/common/errors"
)

// Roles carried in the role claim.
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RolePending = "pending"
)

const callerKey = "filestore.caller"

// Caller is the identity attached to a verified request.
type Caller struct {
	ID   string
	Role string
}

// IsAdmin reports whether the caller has administrator privilege.
func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Claims is the token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret is a configuration error.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.E("auth.NewVerifier", errors.ErrConfiguration, nil, "auth.jwt_secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Issue signs a token for userID with the given role.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a raw token and returns the caller it identifies.
func (v *Verifier) Verify(raw string) (*Caller, error) {
	const op = "auth.Verify"

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.E(op, errors.ErrUnauthorized, err)
	}

	if claims.Subject == "" {
		return nil, errors.E(op, errors.ErrUnauthorized, nil, "token has no subject")
	}

	return &Caller{ID: claims.Subject, Role: claims.Role}, nil
}

// RequireVerified admits callers with the user or admin role.
func (v *Verifier) RequireVerified() gin.HandlerFunc {
	return v.require(func(c *Caller) bool {
		return c.Role == RoleUser || c.Role == RoleAdmin
	})
}

// RequireAdmin admits administrators only.
func (v *Verifier) RequireAdmin() gin.HandlerFunc {
	return v.require((*Caller).IsAdmin)
}

func (v *Verifier) require(allowed func(*Caller) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "authorization header required"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid authorization header format"})
			return
		}

		caller, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid or expired token"})
			return
		}

		if !allowed(caller) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "you do not have permission to access this resource"})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(c *gin.Context) (*Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil, false
	}
	caller, ok := v.(*Caller)
	return caller, ok
}
