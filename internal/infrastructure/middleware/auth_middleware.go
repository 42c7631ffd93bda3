package middleware

import (
	"errors"
	"strings"

	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Context keys the relay reads its identity from.
const (
	UserIDKey   = "user_id"
	UsernameKey = "username"
)

// bearerToken reads the token from the Authorization header or, for
// browser websocket upgrades which cannot set headers, the token query
// parameter.
func bearerToken(c *gin.Context) (string, bool) {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("access token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			msg := "invalid access token"
			if errors.Is(err, services.ErrExpiredToken) {
				msg = "access token expired"
			}
			abortWith(c, apperrors.NewUnauthorizedError(msg))
			return
		}

		c.Set(UserIDKey, string(claims.UserID))
		c.Set(UsernameKey, claims.DisplayName())
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(UserIDKey, string(claims.UserID))
				c.Set(UsernameKey, claims.DisplayName())
			}
		}
		c.Next()
	}
}
