package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/api_gateway/middleware"
	"github.com/invoice-intake-pipeline/internal/api_gateway/service"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/pipeline"
)

// InvoiceHandler handles HTTP requests for invoice intake and lifecycle operations
type InvoiceHandler struct {
	invoiceService service.InvoiceService
	maxUploadSize  int64
	logger         *slog.Logger
}

// NewInvoiceHandler creates a new invoice handler
func NewInvoiceHandler(logger *slog.Logger, invoiceService service.InvoiceService, maxUploadSize int64) *InvoiceHandler {
	return &InvoiceHandler{
		invoiceService: invoiceService,
		maxUploadSize:  maxUploadSize,
		logger:         logger,
	}
}

// Submit accepts a multipart upload. Synchronous uploads answer 201 with the record
// (200 when it was flagged as a duplicate); async uploads answer 202 with a receipt.
func (h *InvoiceHandler) Submit(c *gin.Context) {
	logger := h.logger.With("correlation_id", middleware.GetCorrelationID(c))

	fileHeader, err := c.FormFile("file")
	if err != nil {
		logger.Warn("Missing upload", "error", err)
		RespondBadRequest(c, "A file must be uploaded in the 'file' form field")
		return
	}
	if fileHeader.Size > h.maxUploadSize {
		RespondPayloadTooLarge(c, fmt.Sprintf("File exceeds the %d byte upload limit", h.maxUploadSize))
		return
	}

	var form SubmitInvoiceForm
	if err := c.ShouldBind(&form); err != nil {
		logger.Warn("Invalid form fields", "error", err)
		RespondBadRequest(c, "Invalid form fields: "+err.Error())
		return
	}

	var metadata map[string]string
	if form.Metadata != "" {
		if err := json.Unmarshal([]byte(form.Metadata), &metadata); err != nil {
			RespondBadRequest(c, "metadata must be a JSON object of string values")
			return
		}
	}

	f, err := fileHeader.Open()
	if err != nil {
		logger.Error("Failed to open upload", "error", err)
		RespondInternalError(c)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadSize+1))
	if err != nil {
		logger.Error("Failed to read upload", "error", err)
		RespondInternalError(c)
		return
	}
	if int64(len(data)) > h.maxUploadSize {
		RespondPayloadTooLarge(c, fmt.Sprintf("File exceeds the %d byte upload limit", h.maxUploadSize))
		return
	}

	file := &document.File{
		Name:        fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        int64(len(data)),
		Data:        data,
	}
	opts := pipeline.Options{
		ForceReprocess:     form.ForceReprocess,
		SkipDuplicateCheck: form.SkipDuplicateCheck,
		SkipValidation:     form.SkipValidation,
		UserID:             form.UserID,
		CorrelationID:      middleware.GetCorrelationID(c),
		Metadata:           metadata,
	}

	if form.Async {
		receipt, err := h.invoiceService.SubmitAsync(c.Request.Context(), file, opts)
		if err != nil {
			logger.Error("Failed to enqueue invoice", "file_name", file.Name, "error", err)
			RespondWithServiceError(c, err)
			return
		}
		RespondAccepted(c, receipt)
		return
	}

	record, err := h.invoiceService.Submit(c.Request.Context(), file, opts)
	if err != nil {
		logger.Warn("Invoice processing failed", "file_name", file.Name, "error", err)
		RespondWithServiceError(c, err)
		return
	}

	if record.Status == invoice.StatusDuplicate {
		RespondOK(c, mapRecordToResponse(record))
		return
	}
	RespondCreated(c, mapRecordToResponse(record))
}

// Reprocess runs an existing invoice through the pipeline again. The body is optional.
func (h *InvoiceHandler) Reprocess(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var req ReprocessInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	record, err := h.invoiceService.Reprocess(c.Request.Context(), id, pipeline.Options{
		ForceReprocess:     req.ForceReprocess,
		SkipDuplicateCheck: req.SkipDuplicateCheck,
		SkipValidation:     req.SkipValidation,
		UserID:             req.UserID,
		CorrelationID:      middleware.GetCorrelationID(c),
	})
	if err != nil {
		h.logger.Warn("Failed to reprocess invoice", "invoice_id", id.String(), "error", err)
		RespondWithServiceError(c, err)
		return
	}

	RespondOK(c, mapRecordToResponse(record))
}

// GetByID retrieves an invoice record, returns 404 if not found
func (h *InvoiceHandler) GetByID(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	record, err := h.invoiceService.GetInvoice(c.Request.Context(), id)
	if err != nil {
		RespondWithServiceError(c, err)
		return
	}

	RespondOK(c, mapRecordToResponse(record))
}

// GetStatus reports live progress for an invoice, or progress derived from its stored status
func (h *InvoiceHandler) GetStatus(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	status, err := h.invoiceService.GetStatus(c.Request.Context(), id)
	if err != nil {
		RespondWithServiceError(c, err)
		return
	}

	RespondOK(c, status)
}

// GetRunStatus reports the progress of a submission by its correlation id
func (h *InvoiceHandler) GetRunStatus(c *gin.Context) {
	correlationID := c.Param("correlation_id")

	status, err := h.invoiceService.GetRunStatus(c.Request.Context(), correlationID)
	if err != nil {
		RespondWithServiceError(c, err)
		return
	}

	RespondOK(c, status)
}

// Cancel marks a PROCESSING invoice as FAILED. Other statuses are left untouched.
func (h *InvoiceHandler) Cancel(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.invoiceService.Cancel(c.Request.Context(), id); err != nil {
		h.logger.Warn("Failed to cancel invoice processing", "invoice_id", id.String(), "error", err)
		RespondWithServiceError(c, err)
		return
	}

	RespondOK(c, gin.H{"invoice_id": id.String(), "cancelled": true})
}

// GetAuditTrail retrieves the paginated audit trail of an invoice
func (h *InvoiceHandler) GetAuditTrail(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var pagination PaginationParams
	if err := c.ShouldBindQuery(&pagination); err != nil {
		h.logger.Warn("Invalid pagination parameters", "error", err)
		RespondBadRequest(c, "Invalid pagination parameters")
		return
	}

	entries, total, err := h.invoiceService.GetAuditTrail(c.Request.Context(), id, pagination.Page, pagination.PerPage)
	if err != nil {
		h.logger.Error("Failed to get audit trail", "invoice_id", id.String(), "error", err)
		RespondWithServiceError(c, err)
		return
	}

	trail := make([]AuditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		trail = append(trail, mapAuditEntryToResponse(entry))
	}

	RespondWithPaginatedData(c, http.StatusOK, trail, pagination.Page, pagination.PerPage, int(total))
}

// GetStatistics reports stored invoice counts by status and this instance's run counters
func (h *InvoiceHandler) GetStatistics(c *gin.Context) {
	stats, err := h.invoiceService.GetStatistics(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get statistics", "error", err)
		RespondWithServiceError(c, err)
		return
	}

	RespondOK(c, stats)
}

// Health answers 200 when every dependency responds and 503 otherwise
func (h *InvoiceHandler) Health(c *gin.Context) {
	health := h.invoiceService.Health(c.Request.Context())
	status := http.StatusOK
	if health.Status != pipeline.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (h *InvoiceHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	idParam := c.Param("id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		h.logger.Warn("Invalid invoice ID", "id", idParam, "error", err)
		RespondBadRequest(c, "Invalid invoice ID")
		return uuid.Nil, false
	}
	return id, true
}
