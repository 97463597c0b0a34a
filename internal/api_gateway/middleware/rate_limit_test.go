package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/invoice-intake-pipeline/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string) (bool, float64, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Get(1).(float64), args.Error(2)
}

func rateLimitedRouter(limiter Limiter, onReject func()) *gin.Engine {
	router := gin.New()
	router.Use(CorrelationID())
	router.POST("/upload", RateLimit(limiter, "upload", onReject, logger.Discard()), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return router
}

func upload(router *gin.Engine) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, "/upload", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("AllowsWithinBudget", func(t *testing.T) {
		limiter := new(MockLimiter)
		limiter.On("Allow", mock.Anything, "ratelimit:upload:10.1.2.3").Return(true, 4.0, nil)

		rr := upload(rateLimitedRouter(limiter, nil))

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "4", rr.Header().Get("X-RateLimit-Remaining"))
		limiter.AssertExpectations(t)
	})

	t.Run("RejectsWhenExhausted", func(t *testing.T) {
		limiter := new(MockLimiter)
		limiter.On("Allow", mock.Anything, mock.Anything).Return(false, 0.0, nil)
		rejected := 0

		rr := upload(rateLimitedRouter(limiter, func() { rejected++ }))

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "1", rr.Header().Get("Retry-After"))
		assert.Contains(t, rr.Body.String(), `"code":"RATE_LIMITED"`)
		assert.Contains(t, rr.Body.String(), `"correlation_id":`)
		assert.Equal(t, 1, rejected)
	})

	t.Run("FailsOpenWhenLimiterErrors", func(t *testing.T) {
		limiter := new(MockLimiter)
		limiter.On("Allow", mock.Anything, mock.Anything).Return(false, 0.0, errors.New("redis: connection refused"))

		rr := upload(rateLimitedRouter(limiter, func() { t.Fatal("must not count a limiter failure as a rejection") }))

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Empty(t, rr.Header().Get("X-RateLimit-Remaining"))
	})
}
