package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/activity-admission-api/internal/service"
)

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/registrations", rl.Limit(), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return router
}

func post(router *gin.Engine, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodPost, "/registrations", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiterPerClient(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }
	router := newLimitedRouter(rl)

	assert.Equal(t, http.StatusAccepted, post(router, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusAccepted, post(router, "10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, post(router, "10.0.0.1:1002"))
	assert.Equal(t, http.StatusAccepted, post(router, "10.0.0.2:1000"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusAccepted, post(router, "10.0.0.1:1003"))
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	router := newLimitedRouter(rl)

	post(router, "10.0.0.1:1000")
	now = now.Add(visitorIdle + time.Minute)
	post(router, "10.0.0.2:1000")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.visitors["10.0.0.1"]
	assert.False(t, ok)
	assert.Len(t, rl.visitors, 1)
}

func TestRateLimiterDisabled(t *testing.T) {
	router := newLimitedRouter(NewRateLimiter(0, 0))
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusAccepted, post(router, "10.0.0.1:1000"))
	}
}

func TestMetricsMiddlewareLabelsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	router := gin.New()
	router.Use(Metrics(metrics))
	router.GET("/activities/:id/admission", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/activities/7/admission", nil))
	require.Equal(t, http.StatusOK, w.Code)

	count, err := testutil.GatherAndCount(metrics.Registry(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
