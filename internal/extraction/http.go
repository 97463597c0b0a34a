package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

const (
	EngineHTTP         = "http"
	defaultHTTPTimeout = 60 * time.Second
	maxResponseBytes   = 8 << 20
)

// HTTPEngine posts the document as multipart/form-data to a remote OCR service
// and decodes its JSON answer.
type HTTPEngine struct {
	endpoint   string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

type extractResponse struct {
	Success    bool              `json:"success"`
	Text       string            `json:"text"`
	Fields     map[string]string `json:"fields"`
	Confidence float64           `json:"confidence"`
	PageCount  int               `json:"page_count"`
	Error      string            `json:"error"`
}

func NewHTTPEngine(cfg config.OCRConfig, logger *slog.Logger) (*HTTPEngine, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid OCR endpoint %q: %w", cfg.Endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPEngine{
		endpoint:   cfg.Endpoint,
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (e *HTTPEngine) Name() string { return EngineHTTP }

func (e *HTTPEngine) ProcessDocument(ctx context.Context, file *document.File) (*document.Extraction, error) {
	body, contentType, err := e.encode(file)
	if err != nil {
		return nil, shared.NewProcessingError("ocr request: encode body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return nil, shared.NewProcessingError("ocr request: new request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, shared.NewExternalServiceError(fmt.Sprintf("ocr request: http error (timeout=%s)", e.httpClient.Timeout), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, shared.NewExternalServiceError("ocr request: read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, shared.NewExternalServiceError(
			fmt.Sprintf("ocr request: unexpected status %d", resp.StatusCode),
			errors.New(strings.TrimSpace(string(raw))))
	}

	var decoded extractResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, shared.NewExternalServiceError("ocr request: decode response", err)
	}

	e.logger.Debug("ocr engine answered",
		"file_name", file.Name,
		"success", decoded.Success,
		"confidence", decoded.Confidence,
		"duration", time.Since(started))

	return &document.Extraction{
		Success:    decoded.Success,
		Text:       decoded.Text,
		Fields:     decoded.Fields,
		Confidence: decoded.Confidence,
		PageCount:  decoded.PageCount,
		Engine:     EngineHTTP,
		Error:      decoded.Error,
	}, nil
}

// Ping checks that the OCR service accepts connections
func (e *HTTPEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ocr service returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *HTTPEngine) encode(file *document.File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if e.language != "" {
		if err := w.WriteField("language", e.language); err != nil {
			return nil, "", err
		}
	}
	if file.ContentType != "" {
		if err := w.WriteField("content_type", file.ContentType); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
