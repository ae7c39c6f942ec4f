package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	appLogger "analytics-kiosk/backend/internal/infra/logger"
	"analytics-kiosk/backend/internal/infra/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	appLogger.Replace(zap.NewNop())
	os.Exit(m.Run())
}

func newGuardedRouter(guard *TriggerGuard) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.POST("/collect", guard.Handle(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.POST("/import", guard.Handle(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func post(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerGuardLimitsPerRoute(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := NewTriggerGuard(ratelimit.NewRedisLimiter(client, "test"), TriggerGuardConfig{Limit: 2, Window: time.Minute})
	r := newGuardedRouter(guard)

	assert.Equal(t, http.StatusNoContent, post(r, "/collect").Code)
	second := post(r, "/collect")
	assert.Equal(t, http.StatusNoContent, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	blocked := post(r, "/collect")
	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "60", blocked.Header().Get("Retry-After"))
	assert.Contains(t, blocked.Body.String(), "TOO_MANY_REQUESTS")

	assert.Equal(t, http.StatusNoContent, post(r, "/import").Code)

	mr.FastForward(time.Minute)
	assert.Equal(t, http.StatusNoContent, post(r, "/collect").Code)
}

func TestTriggerGuardDisabled(t *testing.T) {
	r := newGuardedRouter(NewTriggerGuard(nil, TriggerGuardConfig{Limit: 1}))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, post(r, "/collect").Code)
	}

	r = newGuardedRouter(NewTriggerGuard(ratelimit.NewMemoryLimiter(), TriggerGuardConfig{Limit: 0}))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, post(r, "/collect").Code)
	}
}

func TestTriggerGuardFailsOpenWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	r := newGuardedRouter(NewTriggerGuard(ratelimit.NewRedisLimiter(client, ""), TriggerGuardConfig{Limit: 1}))
	assert.Equal(t, http.StatusNoContent, post(r, "/collect").Code)
	assert.Equal(t, http.StatusNoContent, post(r, "/collect").Code)
}

func TestRequestIDPropagation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Body.String(), 36)
}
