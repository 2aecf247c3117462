// Package authjwt validates the admin bearer tokens accepted by the hub's
// command-streaming endpoint. It only validates; issuance, refresh, and
// session tracking are out of scope here.
package authjwt

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
)

// Claims identifies the admin principal a command-stream request is
// authenticated as.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Manager validates bearer tokens signed with an HMAC secret.
type Manager struct {
	secret []byte
}

// NewManager creates a Manager using secret as the HMAC signing key.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Validate parses and verifies tokenString, rejecting anything not signed
// with an HMAC algorithm to block algorithm-substitution attacks ("none" or
// an asymmetric algorithm supplying the secret as its public key).
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authjwt: unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authjwt: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperrors.ErrUnauthorized
	}
	return claims, nil
}

// RequireAdmin is gin middleware gating an endpoint to admin-role bearer
// tokens. On success it stores the validated Claims under "claims" in the
// request context.
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrUnauthorized.Error()})
			return
		}

		claims, err := m.Validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrUnauthorized.Error()})
			return
		}
		if claims.Role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": apperrors.ErrForbidden.Error()})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}
