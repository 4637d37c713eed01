package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/config"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	ok := func(c *gin.Context) { c.String(http.StatusOK, RequestID(c)) }
	r.GET("/oauth/token", ok)
	r.POST("/oauth/token", ok)
	r.GET("/oauth/authorize", ok)
	return r
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(6)
	r := newEngine(limiter.Handler())

	send := func(clientID string) int {
		req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
		if clientID != "" {
			req.SetBasicAuth(clientID, "secret")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, send("a"))
	require.Equal(t, http.StatusTooManyRequests, send("a"))
	require.Equal(t, http.StatusOK, send("b"))
	require.Equal(t, http.StatusOK, send(""))
}

func TestRateLimiterDisabled(t *testing.T) {
	var limiter *RateLimiter = NewRateLimiter(0)
	require.Nil(t, limiter)

	r := newEngine(limiter.Handler())
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/token", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORS(t *testing.T) {
	r := newEngine(CORS(config.HTTP{
		CORSAllowedOrigins: []string{"https://app.example.com"},
		CORSAllowedMethods: []string{"GET", "POST"},
		CORSAllowedHeaders: []string{"Authorization"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
	req.Header.Set("Origin", "https://other.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLoggerAssignsRequestID(t *testing.T) {
	r := newEngine(RequestLogger(zap.NewNop()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/token", nil))
	id := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, id)
	require.Equal(t, id, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	require.True(t, ok)
	require.Equal(t, "abc.def", tok)

	tok, ok = BearerToken("bearer  xyz ")
	require.True(t, ok)
	require.Equal(t, "xyz", tok)

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc", "abc"} {
		_, ok := BearerToken(header)
		require.False(t, ok, header)
	}
}
