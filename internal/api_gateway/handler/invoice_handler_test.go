package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/api_gateway/service"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/invoice-intake-pipeline/internal/logger"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// PaginatedResponse is a generic version of Response for testing paginated data
type PaginatedResponse[T any] struct {
	Data          []T        `json:"data"`
	Error         *ErrorInfo `json:"error,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Meta          *MetaInfo  `json:"meta,omitempty"`
}

type dataResponse[T any] struct {
	Data  T          `json:"data"`
	Error *ErrorInfo `json:"error,omitempty"`
}

type MockInvoiceService struct {
	mock.Mock
}

func (m *MockInvoiceService) Submit(ctx context.Context, file *document.File, opts pipeline.Options) (*invoice.Record, error) {
	args := m.Called(ctx, file, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoice.Record), args.Error(1)
}

func (m *MockInvoiceService) SubmitAsync(ctx context.Context, file *document.File, opts pipeline.Options) (*service.Receipt, error) {
	args := m.Called(ctx, file, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Receipt), args.Error(1)
}

func (m *MockInvoiceService) Reprocess(ctx context.Context, id uuid.UUID, opts pipeline.Options) (*invoice.Record, error) {
	args := m.Called(ctx, id, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoice.Record), args.Error(1)
}

func (m *MockInvoiceService) GetInvoice(ctx context.Context, id uuid.UUID) (*invoice.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoice.Record), args.Error(1)
}

func (m *MockInvoiceService) GetStatus(ctx context.Context, id uuid.UUID) (*tracking.Status, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tracking.Status), args.Error(1)
}

func (m *MockInvoiceService) GetRunStatus(ctx context.Context, correlationID string) (*tracking.Status, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tracking.Status), args.Error(1)
}

func (m *MockInvoiceService) Cancel(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockInvoiceService) GetAuditTrail(ctx context.Context, id uuid.UUID, page, perPage int) ([]*audit.Entry, int64, error) {
	args := m.Called(ctx, id, page, perPage)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*audit.Entry), args.Get(1).(int64), args.Error(2)
}

func (m *MockInvoiceService) GetStatistics(ctx context.Context) (*pipeline.Statistics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Statistics), args.Error(1)
}

func (m *MockInvoiceService) Health(ctx context.Context) *pipeline.Health {
	args := m.Called(ctx)
	return args.Get(0).(*pipeline.Health)
}

func newTestRouter(svc service.InvoiceService, maxUpload int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewInvoiceHandler(logger.Discard(), svc, maxUpload)

	r := gin.New()
	invoices := r.Group("/invoices")
	invoices.POST("", h.Submit)
	invoices.GET("/statistics", h.GetStatistics)
	invoices.GET("/runs/:correlation_id", h.GetRunStatus)
	invoices.GET("/:id", h.GetByID)
	invoices.GET("/:id/status", h.GetStatus)
	invoices.GET("/:id/audit", h.GetAuditTrail)
	invoices.POST("/:id/reprocess", h.Reprocess)
	invoices.POST("/:id/cancel", h.Cancel)
	r.GET("/health", h.Health)
	return r
}

func multipartUpload(t *testing.T, fileName string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/invoices", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func completedRecord(status invoice.Status) *invoice.Record {
	due := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	return &invoice.Record{
		ID:                 uuid.New(),
		InvoiceNumber:      "INV-001",
		BillTo:             "Acme Corp",
		DueDate:            &due,
		TotalAmount:        1250,
		Status:             status,
		ProcessingAttempts: 1,
		LastProcessedAt:    &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestInvoiceHandler_Submit(t *testing.T) {
	content := []byte("Invoice Number: INV-001\nTotal: 1250.00\n")

	t.Run("CreatedSynchronously", func(t *testing.T) {
		svc := new(MockInvoiceService)
		record := completedRecord(invoice.StatusCompleted)
		svc.On("Submit", mock.Anything, mock.MatchedBy(func(f *document.File) bool {
			return f.Name == "invoice.txt" && bytes.Equal(f.Data, content) && f.Size == int64(len(content))
		}), mock.MatchedBy(func(o pipeline.Options) bool {
			return o.UserID == "user-1" && o.SkipDuplicateCheck && o.Metadata["source"] == "email"
		})).Return(record, nil)

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, multipartUpload(t, "invoice.txt", content, map[string]string{
			"user_id":              "user-1",
			"skip_duplicate_check": "true",
			"metadata":             `{"source":"email"}`,
		}))

		assert.Equal(t, http.StatusCreated, rr.Code)
		var resp dataResponse[InvoiceResponse]
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, record.ID.String(), resp.Data.ID)
		assert.Equal(t, "COMPLETED", resp.Data.Status)
		assert.Equal(t, "2024-03-15", resp.Data.DueDate)
		assert.False(t, resp.Data.IsDuplicate)
		svc.AssertExpectations(t)
	})

	t.Run("DuplicateIsOK", func(t *testing.T) {
		svc := new(MockInvoiceService)
		record := completedRecord(invoice.StatusDuplicate)
		original := uuid.New()
		record.DuplicateOf = &original
		svc.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return(record, nil)

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, multipartUpload(t, "invoice.txt", content, nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		var resp dataResponse[InvoiceResponse]
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Data.IsDuplicate)
		assert.Equal(t, original.String(), resp.Data.DuplicateOf)
	})

	t.Run("Async", func(t *testing.T) {
		svc := new(MockInvoiceService)
		receipt := &service.Receipt{CorrelationID: "corr-1", ArchiveKey: "corr-1/invoice.txt", Status: service.ReceiptQueued}
		svc.On("SubmitAsync", mock.Anything, mock.Anything, mock.Anything).Return(receipt, nil)

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, multipartUpload(t, "invoice.txt", content, map[string]string{"async": "true"}))

		assert.Equal(t, http.StatusAccepted, rr.Code)
		var resp dataResponse[service.Receipt]
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "QUEUED", resp.Data.Status)
		svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("PipelineRejection", func(t *testing.T) {
		svc := new(MockInvoiceService)
		stepErr := &pipeline.StepError{
			Step: pipeline.StepValidateData,
			Err:  shared.NewValidationError("invoice data failed validation", "bill to is required"),
		}
		svc.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return(nil, stepErr)

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, multipartUpload(t, "invoice.txt", content, nil))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var resp Response
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
		assert.Equal(t, pipeline.StepValidateData, resp.Error.Step)
		assert.Equal(t, []string{"bill to is required"}, resp.Error.Details)
	})

	t.Run("MissingFile", func(t *testing.T) {
		svc := new(MockInvoiceService)
		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, multipartUpload(t, "", nil, map[string]string{"user_id": "u"}))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("TooLarge", func(t *testing.T) {
		svc := new(MockInvoiceService)
		rr := httptest.NewRecorder()
		newTestRouter(svc, 8).ServeHTTP(rr, multipartUpload(t, "invoice.txt", content, nil))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("BadMetadata", func(t *testing.T) {
		svc := new(MockInvoiceService)
		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, multipartUpload(t, "invoice.txt", content, map[string]string{"metadata": "[1,2]"}))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestInvoiceHandler_Reprocess(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name           string
		path           string
		body           string
		setupMock      func(svc *MockInvoiceService)
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "EmptyBody",
			path: "/invoices/" + id.String() + "/reprocess",
			setupMock: func(svc *MockInvoiceService) {
				svc.On("Reprocess", mock.Anything, id, mock.MatchedBy(func(o pipeline.Options) bool {
					return !o.ForceReprocess
				})).Return(completedRecord(invoice.StatusCompleted), nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "Forced",
			path: "/invoices/" + id.String() + "/reprocess",
			body: `{"force_reprocess":true}`,
			setupMock: func(svc *MockInvoiceService) {
				svc.On("Reprocess", mock.Anything, id, mock.MatchedBy(func(o pipeline.Options) bool {
					return o.ForceReprocess
				})).Return(completedRecord(invoice.StatusCompleted), nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "NotReprocessable",
			path: "/invoices/" + id.String() + "/reprocess",
			setupMock: func(svc *MockInvoiceService) {
				svc.On("Reprocess", mock.Anything, id, mock.Anything).
					Return(nil, shared.NewInvalidStateError("invoice is COMPLETED and cannot be reprocessed without force"))
			},
			expectedStatus: http.StatusConflict,
			expectedCode:   "INVALID_STATE",
		},
		{
			name:           "MalformedBody",
			path:           "/invoices/" + id.String() + "/reprocess",
			body:           `{"force_reprocess":`,
			setupMock:      func(*MockInvoiceService) {},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "BAD_REQUEST",
		},
		{
			name:           "InvalidID",
			path:           "/invoices/not-a-uuid/reprocess",
			setupMock:      func(*MockInvoiceService) {},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockInvoiceService)
			tt.setupMock(svc)

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			newTestRouter(svc, 1<<20).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedCode != "" {
				var resp Response
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Equal(t, tt.expectedCode, resp.Error.Code)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestInvoiceHandler_GetByID(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		svc := new(MockInvoiceService)
		record := completedRecord(invoice.StatusCompleted)
		svc.On("GetInvoice", mock.Anything, record.ID).Return(record, nil)

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/"+record.ID.String(), nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		var resp dataResponse[InvoiceResponse]
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "INV-001", resp.Data.InvoiceNumber)
	})

	t.Run("NotFound", func(t *testing.T) {
		svc := new(MockInvoiceService)
		id := uuid.New()
		svc.On("GetInvoice", mock.Anything, id).Return(nil, shared.NewNotFoundError("invoice not found"))

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/"+id.String(), nil))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestInvoiceHandler_StatusEndpoints(t *testing.T) {
	svc := new(MockInvoiceService)
	id := uuid.New()
	svc.On("GetStatus", mock.Anything, id).Return(&tracking.Status{Status: tracking.StateProcessing, Progress: 40}, nil)
	svc.On("GetRunStatus", mock.Anything, "corr-9").Return(&tracking.Status{CorrelationID: "corr-9", Status: tracking.StateCompleted, Progress: 100}, nil)
	svc.On("GetRunStatus", mock.Anything, "corr-x").Return(nil, shared.NewNotFoundError("no run"))
	router := newTestRouter(svc, 1<<20)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/"+id.String()+"/status", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var status dataResponse[tracking.Status]
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, 40, status.Data.Progress)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/runs/corr-9", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, tracking.StateCompleted, status.Data.Status)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/runs/corr-x", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvoiceHandler_Cancel(t *testing.T) {
	svc := new(MockInvoiceService)
	id := uuid.New()
	svc.On("Cancel", mock.Anything, id).Return(nil)

	rr := httptest.NewRecorder()
	newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/invoices/"+id.String()+"/cancel", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	svc.AssertExpectations(t)
}

func TestInvoiceHandler_GetAuditTrail(t *testing.T) {
	t.Run("Paginated", func(t *testing.T) {
		svc := new(MockInvoiceService)
		id := uuid.New()
		entries := []*audit.Entry{
			audit.NewEntry(id, audit.ActionInvoiceCreated, audit.Origin{CorrelationID: "corr-1"}),
			audit.NewEntry(id, audit.ActionProcessingCompleted, audit.Origin{CorrelationID: "corr-1"}),
		}
		svc.On("GetAuditTrail", mock.Anything, id, 2, 2).Return(entries, int64(5), nil)

		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/"+id.String()+"/audit?page=2&per_page=2", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		var resp PaginatedResponse[AuditEntryResponse]
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 2)
		assert.Equal(t, "INVOICE_CREATED", resp.Data[0].Action)
		assert.Equal(t, &MetaInfo{Page: 2, PerPage: 2, TotalPages: 3, TotalItems: 5}, resp.Meta)
	})

	t.Run("InvalidPagination", func(t *testing.T) {
		svc := new(MockInvoiceService)
		rr := httptest.NewRecorder()
		newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/"+uuid.NewString()+"/audit?per_page=1000", nil))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestInvoiceHandler_GetStatistics(t *testing.T) {
	svc := new(MockInvoiceService)
	svc.On("GetStatistics", mock.Anything).Return(&pipeline.Statistics{
		Total:    4,
		ByStatus: map[invoice.Status]int64{invoice.StatusCompleted: 3, invoice.StatusDuplicate: 1},
	}, nil)

	rr := httptest.NewRecorder()
	newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/invoices/statistics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp dataResponse[pipeline.Statistics]
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(4), resp.Data.Total)
	assert.Equal(t, int64(1), resp.Data.ByStatus[invoice.StatusDuplicate])
}

func TestInvoiceHandler_Health(t *testing.T) {
	tests := []struct {
		name           string
		health         *pipeline.Health
		expectedStatus int
	}{
		{name: "Healthy", health: &pipeline.Health{Status: pipeline.HealthHealthy}, expectedStatus: http.StatusOK},
		{name: "Degraded", health: &pipeline.Health{Status: pipeline.HealthDegraded, Dependencies: map[string]bool{"repository": false}}, expectedStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockInvoiceService)
			svc.On("Health", mock.Anything).Return(tt.health)

			rr := httptest.NewRecorder()
			newTestRouter(svc, 1<<20).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestRespondWithServiceError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{name: "Validation", err: shared.NewValidationError("bad file"), expectedStatus: http.StatusBadRequest, expectedCode: "VALIDATION_ERROR"},
		{name: "NotFound", err: shared.NewNotFoundError("missing"), expectedStatus: http.StatusNotFound, expectedCode: "NOT_FOUND"},
		{name: "InvalidState", err: shared.NewInvalidStateError("busy"), expectedStatus: http.StatusConflict, expectedCode: "INVALID_STATE"},
		{name: "ExternalService", err: shared.NewExternalServiceError("ocr down", errors.New("dial tcp")), expectedStatus: http.StatusBadGateway, expectedCode: "EXTERNAL_SERVICE_ERROR"},
		{name: "Processing", err: shared.NewProcessingError("no fields", nil), expectedStatus: http.StatusInternalServerError, expectedCode: "PROCESSING_ERROR"},
		{name: "Unclassified", err: errors.New("boom"), expectedStatus: http.StatusInternalServerError, expectedCode: "INTERNAL_SERVER_ERROR"},
	}

	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rr)

			RespondWithServiceError(c, tt.err)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			if tt.expectedCode == "EXTERNAL_SERVICE_ERROR" {
				assert.Equal(t, "ocr down", resp.Error.Message)
			}
		})
	}
}
