package authorization

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const identityKey = "user_id"

// Guard verifies bearer tokens issued by the external identity service and
// exposes the authenticated owner id to handlers. Account management,
// registration and login live outside this backend.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuardFromEnv builds the guard from JWT_SECRET (required) and
// JWT_REALM (optional).
func NewGuardFromEnv() (*Guard, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	realm := strings.TrimSpace(os.Getenv("JWT_REALM"))
	if realm == "" {
		realm = "mentora"
	}

	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       realm,
		Key:         []byte(secret),
		Timeout:     time.Hour,
		MaxRefresh:  time.Hour,
		IdentityKey: identityKey,
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return claims[identityKey]
		},
		TokenLookup:   "header: Authorization, query: token",
		TokenHeadName: "Bearer",
	})
	if err != nil {
		return nil, err
	}

	return &Guard{jwt: middleware}, nil
}

// RequireAuthenticated ensures the request carries a valid JWT.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// CurrentUserID resolves the authenticated owner id from the verified claims.
func CurrentUserID(c *gin.Context) (uint64, bool) {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, false
	}
	switch v := claims[identityKey].(type) {
	case float64:
		if v > 0 {
			return uint64(v), true
		}
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		var id uint64
		for _, ch := range trimmed {
			if ch < '0' || ch > '9' {
				return 0, false
			}
			id = id*10 + uint64(ch-'0')
		}
		if id > 0 {
			return id, true
		}
	}
	return 0, false
}
