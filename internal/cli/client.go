// Package cli is the HTTP client behind invoicectl.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/invoice-intake-pipeline/internal/api_gateway/handler"
	"github.com/invoice-intake-pipeline/internal/api_gateway/middleware"
	"github.com/invoice-intake-pipeline/internal/api_gateway/service"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/tracking"
)

// APIError is a non-2xx answer from the gateway
type APIError struct {
	StatusCode    int
	Code          string
	Message       string
	Step          string
	Details       []string
	CorrelationID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	if e.Step != "" {
		msg += " [step " + e.Step + "]"
	}
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	return msg
}

// SubmitOptions mirror the upload form fields
type SubmitOptions struct {
	Async              bool
	ForceReprocess     bool
	SkipDuplicateCheck bool
	SkipValidation     bool
	UserID             string
	CorrelationID      string
	Metadata           map[string]string
}

// SubmitResult carries the record of a synchronous upload or the receipt of a queued one
type SubmitResult struct {
	Invoice       *handler.InvoiceResponse
	Receipt       *service.Receipt
	CorrelationID string
}

// AuditPage is one page of an invoice's audit trail
type AuditPage struct {
	Entries []handler.AuditEntryResponse
	Meta    handler.MetaInfo
}

type envelope struct {
	Data          json.RawMessage    `json:"data"`
	Error         *handler.ErrorInfo `json:"error"`
	CorrelationID string             `json:"correlation_id"`
	Meta          *handler.MetaInfo  `json:"meta"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient targets the gateway at baseURL, e.g. http://localhost:8080
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit uploads the file at path
func (c *Client) Submit(ctx context.Context, path string, opts SubmitOptions) (*SubmitResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	fields := map[string]string{
		"async":                strconv.FormatBool(opts.Async),
		"force_reprocess":      strconv.FormatBool(opts.ForceReprocess),
		"skip_duplicate_check": strconv.FormatBool(opts.SkipDuplicateCheck),
		"skip_validation":      strconv.FormatBool(opts.SkipValidation),
	}
	if opts.UserID != "" {
		fields["user_id"] = opts.UserID
	}
	if len(opts.Metadata) > 0 {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, err
		}
		fields["metadata"] = string(raw)
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/invoices", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if opts.CorrelationID != "" {
		req.Header.Set(middleware.CorrelationIDHeader, opts.CorrelationID)
	}

	status, env, err := c.do(req)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{CorrelationID: env.CorrelationID}
	if status == http.StatusAccepted {
		result.Receipt = &service.Receipt{}
		return result, json.Unmarshal(env.Data, result.Receipt)
	}
	result.Invoice = &handler.InvoiceResponse{}
	return result, json.Unmarshal(env.Data, result.Invoice)
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*handler.InvoiceResponse, error) {
	var out handler.InvoiceResponse
	return &out, c.getJSON(ctx, "/api/v1/invoices/"+url.PathEscape(id), &out)
}

func (c *Client) GetStatus(ctx context.Context, id string) (*tracking.Status, error) {
	var out tracking.Status
	return &out, c.getJSON(ctx, "/api/v1/invoices/"+url.PathEscape(id)+"/status", &out)
}

func (c *Client) GetRunStatus(ctx context.Context, correlationID string) (*tracking.Status, error) {
	var out tracking.Status
	return &out, c.getJSON(ctx, "/api/v1/invoices/runs/"+url.PathEscape(correlationID), &out)
}

func (c *Client) GetStatistics(ctx context.Context) (*pipeline.Statistics, error) {
	var out pipeline.Statistics
	return &out, c.getJSON(ctx, "/api/v1/invoices/statistics", &out)
}

func (c *Client) GetAuditTrail(ctx context.Context, id string, page, perPage int) (*AuditPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/invoices/"+url.PathEscape(id)+"/audit?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	_, env, err := c.do(req)
	if err != nil {
		return nil, err
	}

	out := &AuditPage{}
	if env.Meta != nil {
		out.Meta = *env.Meta
	}
	return out, json.Unmarshal(env.Data, &out.Entries)
}

// Reprocess re-runs extraction on a stored invoice
func (c *Client) Reprocess(ctx context.Context, id string, opts SubmitOptions) (*handler.InvoiceResponse, error) {
	raw, err := json.Marshal(handler.ReprocessInvoiceRequest{
		ForceReprocess:     opts.ForceReprocess,
		SkipDuplicateCheck: opts.SkipDuplicateCheck,
		SkipValidation:     opts.SkipValidation,
		UserID:             opts.UserID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/invoices/"+url.PathEscape(id)+"/reprocess", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	_, env, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var out handler.InvoiceResponse
	return &out, json.Unmarshal(env.Data, &out)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/invoices/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	_, _, err = c.do(req)
	return err
}

// Health returns the report even when the gateway answers 503
func (c *Client) Health(ctx context.Context) (*pipeline.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	var out pipeline.Health
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health report (%d): %w", resp.StatusCode, err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	_, env, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) do(req *http.Request) (int, *envelope, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, nil, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), CorrelationID: env.CorrelationID}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Step = env.Error.Step
			apiErr.Details = env.Error.Details
		}
		return resp.StatusCode, nil, apiErr
	}
	return resp.StatusCode, &env, nil
}
