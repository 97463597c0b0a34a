package api_gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/invoice-intake-pipeline/internal/api_gateway/handler"
	"github.com/invoice-intake-pipeline/internal/api_gateway/middleware"
)

// RouterOptions carries the optional pieces of the router. A nil Limiter disables
// upload rate limiting and a nil Metrics handler leaves /metrics unregistered.
type RouterOptions struct {
	Limiter         middleware.Limiter
	OnRateLimited   func()
	Metrics         http.Handler
	MaxUploadMemory int64
}

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	invoiceHandler *handler.InvoiceHandler,
	opts RouterOptions,
) {
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.Logger(logger))

	if opts.MaxUploadMemory > 0 {
		r.MaxMultipartMemory = opts.MaxUploadMemory
	}

	upload := []gin.HandlerFunc{invoiceHandler.Submit}
	if opts.Limiter != nil {
		upload = append([]gin.HandlerFunc{middleware.RateLimit(opts.Limiter, "upload", opts.OnRateLimited, logger)}, upload...)
	}

	// API v1 endpoints
	v1 := r.Group("/api/v1")
	{
		invoices := v1.Group("/invoices")
		{
			invoices.POST("", upload...)
			invoices.GET("/statistics", invoiceHandler.GetStatistics)
			invoices.GET("/runs/:correlation_id", invoiceHandler.GetRunStatus)
			invoices.GET("/:id", invoiceHandler.GetByID)
			invoices.GET("/:id/status", invoiceHandler.GetStatus)
			invoices.GET("/:id/audit", invoiceHandler.GetAuditTrail)
			invoices.POST("/:id/reprocess", invoiceHandler.Reprocess)
			invoices.POST("/:id/cancel", invoiceHandler.Cancel)
		}
	}

	// Health check endpoint for monitoring
	r.GET("/health", invoiceHandler.Health)

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
}
