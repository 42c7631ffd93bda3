package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/call", func(c *gin.Context) {
		c.Set(UserIDKey, "alice")
		c.Status(http.StatusOK)
	})
	router.POST("/api/v1/call/join", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Empty(t, sr.Ended(), "health routes are not traced")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/call", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/call/join", nil))

	ended := sr.Ended()
	require.Len(t, ended, 2)

	status := ended[0]
	assert.Equal(t, "http.GET /api/v1/call", status.Name())
	assert.Contains(t, status.Attributes(), attribute.String("http.request_id", "req-1"))
	assert.Contains(t, status.Attributes(), attribute.String("peer.user_id", "alice"))
	assert.Equal(t, codes.Ok, status.Status().Code)

	assert.Equal(t, codes.Error, ended[1].Status().Code)
}
