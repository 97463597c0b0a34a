package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/dedupe"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/stretchr/testify/mock"
)

type MockFileGuard struct {
	mock.Mock
}

func (m *MockFileGuard) ValidateFile(ctx context.Context, file *document.File) (*document.FileCheck, error) {
	args := m.Called(ctx, file)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.FileCheck), args.Error(1)
}

type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) ProcessDocument(ctx context.Context, file *document.File) (*document.Extraction, error) {
	args := m.Called(ctx, file)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Extraction), args.Error(1)
}

func (m *MockExtractor) Name() string {
	return "mock"
}

type MockNormalizer struct {
	mock.Mock
}

func (m *MockNormalizer) ExtractAndValidateData(ctx context.Context, extraction *document.Extraction) (*invoice.Fields, error) {
	args := m.Called(ctx, extraction)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoice.Fields), args.Error(1)
}

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) ValidateInvoiceData(ctx context.Context, fields *invoice.Fields) (*shared.ValidationResult, error) {
	args := m.Called(ctx, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shared.ValidationResult), args.Error(1)
}

type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) CheckForDuplicates(ctx context.Context, candidate *dedupe.Candidate) (*dedupe.Result, error) {
	args := m.Called(ctx, candidate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dedupe.Result), args.Error(1)
}

func (m *MockDetector) GenerateContentHash(fields *invoice.Fields) string {
	return dedupe.GenerateContentHash(fields)
}

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, record *invoice.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockRepository) Update(ctx context.Context, record *invoice.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, id uuid.UUID) (*invoice.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invoice.Record), args.Error(1)
}

func (m *MockRepository) CountByStatus(ctx context.Context) (map[invoice.Status]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[invoice.Status]int64), args.Error(1)
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) LogInvoiceCreated(ctx context.Context, record *invoice.Record, origin audit.Origin) {
	m.Called(ctx, record, origin)
}

func (m *MockAuditSink) LogProcessingCompleted(ctx context.Context, record *invoice.Record, origin audit.Origin) {
	m.Called(ctx, record, origin)
}

func (m *MockAuditSink) LogProcessingFailed(ctx context.Context, invoiceID uuid.UUID, step string, cause error, origin audit.Origin) {
	m.Called(ctx, invoiceID, step, cause, origin)
}

func (m *MockAuditSink) LogDuplicateDetected(ctx context.Context, record *invoice.Record, result *dedupe.Result, origin audit.Origin) {
	m.Called(ctx, record, result, origin)
}

func (m *MockAuditSink) LogProcessingRetried(ctx context.Context, record *invoice.Record, previous invoice.Status, origin audit.Origin) {
	m.Called(ctx, record, previous, origin)
}

func (m *MockAuditSink) LogProcessingCancelled(ctx context.Context, record *invoice.Record, reason string, origin audit.Origin) {
	m.Called(ctx, record, reason, origin)
}

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordProcessingSuccess(duration time.Duration) {
	m.Called(duration)
}

func (m *MockMetrics) RecordProcessingFailure(step string, duration time.Duration) {
	m.Called(step, duration)
}

func (m *MockMetrics) RecordDuplicate(method string) {
	m.Called(method)
}

func (m *MockMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.Called(step, duration)
}

type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Store(ctx context.Context, key string, file *document.File) error {
	args := m.Called(ctx, key, file)
	return args.Error(0)
}

func (m *MockArchive) Fetch(ctx context.Context, key string) (*document.File, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.File), args.Error(1)
}

// memoryStore is an in-memory invoice store that satisfies both Repository and dedupe.Lookup
type memoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*invoice.Record
	order   []uuid.UUID
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[uuid.UUID]*invoice.Record)}
}

func (s *memoryStore) Create(_ context.Context, record *invoice.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[record.ID] = &clone
	s.order = append(s.order, record.ID)
	return nil
}

func (s *memoryStore) Update(_ context.Context, record *invoice.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; !ok {
		return invoice.ErrRecordNotFound{ID: record.ID}
	}
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

func (s *memoryStore) GetByID(_ context.Context, id uuid.UUID) (*invoice.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, invoice.ErrRecordNotFound{ID: id}
	}
	clone := *r
	return &clone, nil
}

func (s *memoryStore) CountByStatus(context.Context) (map[invoice.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[invoice.Status]int64)
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) find(match func(r *invoice.Record) bool) []*invoice.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*invoice.Record
	for _, id := range s.order {
		r := s.records[id]
		if r.Status != invoice.StatusDuplicate && match(r) {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out
}

func (s *memoryStore) FindByInvoiceNumber(_ context.Context, number string) ([]*invoice.Record, error) {
	return s.find(func(r *invoice.Record) bool { return strings.EqualFold(dedupe.NormalizeText(r.InvoiceNumber), number) }), nil
}

func (s *memoryStore) FindByContentHash(_ context.Context, hash string) ([]*invoice.Record, error) {
	return s.find(func(r *invoice.Record) bool { return r.ContentHash == hash }), nil
}

func (s *memoryStore) FindFuzzyCandidates(_ context.Context, cents int64, limit int) ([]*invoice.Record, error) {
	out := s.find(func(r *invoice.Record) bool { return dedupe.AmountCents(r.TotalAmount) == cents })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
