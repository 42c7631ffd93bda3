package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peerlink/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":  c.GetString(UserIDKey),
			"username": c.GetString(UsernameKey),
		})
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	named, err := auth.GenerateToken("alice", "Alice")
	require.NoError(t, err)
	anonymous, err := auth.GenerateToken("0123456789abcdef", "")
	require.NoError(t, err)
	foreign, err := services.NewAuthService("other-secret", time.Hour).GenerateToken("mallory", "M")
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantBody string
	}{
		{name: "bearer header", header: "Bearer " + named, wantCode: http.StatusOK, wantBody: `{"user_id":"alice","username":"Alice"}`},
		{name: "query token", query: "?token=" + named, wantCode: http.StatusOK, wantBody: `{"user_id":"alice","username":"Alice"}`},
		{name: "derived display name", header: "Bearer " + anonymous, wantCode: http.StatusOK, wantBody: `{"user_id":"0123456789abcdef","username":"User-01234567"}`},
		{name: "missing token", wantCode: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + named, wantCode: http.StatusUnauthorized},
		{name: "foreign signature", header: "Bearer " + foreign, wantCode: http.StatusUnauthorized},
	}

	router := authRouter(AuthMiddleware(auth))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
			}
		})
	}
}

func TestOptionalAuthMiddleware_PassesAnonymous(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	router := authRouter(OptionalAuthMiddleware(auth))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"","username":""}`, w.Body.String())
}
