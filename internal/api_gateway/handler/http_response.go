package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/invoice-intake-pipeline/internal/api_gateway/middleware"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/invoice-intake-pipeline/internal/pipeline"
)

// Response represents a standard API response
type Response struct {
	Data          interface{} `json:"data,omitempty"`
	Error         *ErrorInfo  `json:"error,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Meta          *MetaInfo   `json:"meta,omitempty"`
}

// ErrorInfo represents error information in a response
type ErrorInfo struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Step    string   `json:"step,omitempty"`
	Details []string `json:"details,omitempty"`
}

// MetaInfo represents metadata in a response
type MetaInfo struct {
	Page       int `json:"page,omitempty"`
	PerPage    int `json:"per_page,omitempty"`
	TotalPages int `json:"total_pages,omitempty"`
	TotalItems int `json:"total_items,omitempty"`
}

// NewResponse creates a new response with data
func NewResponse(data interface{}) *Response {
	return &Response{
		Data: data,
	}
}

// NewErrorResponse creates a new error response
func NewErrorResponse(code, message string) *Response {
	return &Response{
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewPaginatedResponse creates a new paginated response
func NewPaginatedResponse(data interface{}, page, perPage, totalItems int) *Response {
	totalPages := totalItems / perPage
	if totalItems%perPage > 0 {
		totalPages++
	}

	return &Response{
		Data: data,
		Meta: &MetaInfo{
			Page:       page,
			PerPage:    perPage,
			TotalPages: totalPages,
			TotalItems: totalItems,
		},
	}
}

// RespondWithData sends a JSON response with data
func RespondWithData(c *gin.Context, statusCode int, data interface{}) {
	response := NewResponse(data)
	response.CorrelationID = middleware.GetCorrelationID(c)
	c.JSON(statusCode, response)
}

// RespondWithError sends a JSON response with an error
func RespondWithError(c *gin.Context, statusCode int, code, message string) {
	response := NewErrorResponse(code, message)
	response.CorrelationID = middleware.GetCorrelationID(c)
	c.JSON(statusCode, response)
}

// RespondWithPaginatedData sends a JSON response with paginated data
func RespondWithPaginatedData(c *gin.Context, statusCode int, data interface{}, page, perPage, totalItems int) {
	response := NewPaginatedResponse(data, page, perPage, totalItems)
	response.CorrelationID = middleware.GetCorrelationID(c)
	c.JSON(statusCode, response)
}

// RespondWithServiceError maps an error kind onto an HTTP status:
// validation 400, not found 404, invalid state 409, external service 502, anything else 500.
func RespondWithServiceError(c *gin.Context, err error) {
	var (
		status int
		code   string
	)
	switch shared.KindOf(err) {
	case shared.ErrValidation:
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case shared.ErrNotFound:
		status, code = http.StatusNotFound, "NOT_FOUND"
	case shared.ErrInvalidState:
		status, code = http.StatusConflict, "INVALID_STATE"
	case shared.ErrExternalService:
		status, code = http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR"
	case shared.ErrProcessing:
		status, code = http.StatusInternalServerError, "PROCESSING_ERROR"
	default:
		RespondInternalError(c)
		return
	}

	info := &ErrorInfo{Code: code, Message: err.Error(), Step: pipeline.FailedStep(err)}
	var serviceErr *shared.Error
	if errors.As(err, &serviceErr) {
		info.Message = serviceErr.Message
		info.Details = serviceErr.Details
	}

	c.JSON(status, &Response{Error: info, CorrelationID: middleware.GetCorrelationID(c)})
}

// RespondOK sends a 200 OK response with data
func RespondOK(c *gin.Context, data interface{}) {
	RespondWithData(c, http.StatusOK, data)
}

// RespondCreated sends a 201 Created response with data
func RespondCreated(c *gin.Context, data interface{}) {
	RespondWithData(c, http.StatusCreated, data)
}

// RespondAccepted sends a 202 Accepted response with data.
func RespondAccepted(c *gin.Context, data interface{}) {
	RespondWithData(c, http.StatusAccepted, data)
}

// RespondBadRequest sends a 400 Bad Request response with an error
func RespondBadRequest(c *gin.Context, message string) {
	RespondWithError(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

// RespondPayloadTooLarge sends a 413 response with an error
func RespondPayloadTooLarge(c *gin.Context, message string) {
	RespondWithError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", message)
}

// RespondInternalError sends a 500 Internal Server Error response with an error
func RespondInternalError(c *gin.Context) {
	RespondWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "An internal server error occurred")
}
