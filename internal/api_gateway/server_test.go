package api_gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/invoice-intake-pipeline/internal/api_gateway/middleware"
	"github.com/invoice-intake-pipeline/internal/api_gateway/service"
	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/logger"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubService implements only what the route table below reaches
type stubService struct {
	service.InvoiceService
	health *pipeline.Health
}

func (s *stubService) Health(context.Context) *pipeline.Health { return s.health }

func (s *stubService) GetStatistics(context.Context) (*pipeline.Statistics, error) {
	return &pipeline.Statistics{}, nil
}

func (s *stubService) GetRunStatus(context.Context, string) (*tracking.Status, error) {
	return &tracking.Status{}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

func testConfig() *config.Config {
	return &config.Config{
		Application: config.ApplicationConfig{Env: "test"},
		Server:      config.ServerConfig{Port: 8080, MaxUploadSize: 1 << 20},
	}
}

func TestServer_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rejected := 0
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# HELP invoice_runs_total"))
	})
	srv := NewServer(logger.Discard(), testConfig(), &stubService{health: &pipeline.Health{Status: pipeline.HealthHealthy}}, RouterOptions{
		Limiter:       denyAll{},
		OnRateLimited: func() { rejected++ },
		Metrics:       metrics,
	})

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{name: "Health", method: http.MethodGet, path: "/health", expectedStatus: http.StatusOK},
		{name: "Metrics", method: http.MethodGet, path: "/metrics", expectedStatus: http.StatusOK},
		{name: "Statistics", method: http.MethodGet, path: "/api/v1/invoices/statistics", expectedStatus: http.StatusOK},
		{name: "RunStatus", method: http.MethodGet, path: "/api/v1/invoices/runs/corr-1", expectedStatus: http.StatusOK},
		{name: "BadInvoiceID", method: http.MethodGet, path: "/api/v1/invoices/nope", expectedStatus: http.StatusBadRequest},
		{name: "UploadRateLimited", method: http.MethodPost, path: "/api/v1/invoices", expectedStatus: http.StatusTooManyRequests},
		{name: "UnknownRoute", method: http.MethodGet, path: "/api/v1/vendors", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.NotEmpty(t, rr.Header().Get(middleware.CorrelationIDHeader))
		})
	}
	assert.Equal(t, 1, rejected)
}

func TestServer_WithoutOptionalRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(logger.Discard(), testConfig(), &stubService{health: &pipeline.Health{Status: pipeline.HealthHealthy}}, RouterOptions{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Without a limiter the upload reaches the handler, which rejects the missing file.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Stop(t *testing.T) {
	srv := NewServer(logger.Discard(), testConfig(), &stubService{}, RouterOptions{})
	require.NoError(t, srv.Stop(context.Background()))
}
