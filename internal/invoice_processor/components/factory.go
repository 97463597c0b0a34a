package components

import (
	"fmt"
	"log/slog"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/dedupe"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/extraction"
	"github.com/invoice-intake-pipeline/internal/pipeline"
)

// Collaborators are the stores and sinks built by the binaries. Archive and Metrics may be nil.
type Collaborators struct {
	InvoiceRepo invoice.Repository
	AuditRepo   audit.Repository
	Archive     pipeline.DocumentArchive
	Metrics     pipeline.MetricsSink
}

// CreateOrchestrator wires the pipeline components around the given stores.
func CreateOrchestrator(cfg *config.Config, c Collaborators, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	engine, err := extraction.New(cfg.OCR, logger.With("component", "extractor"))
	if err != nil {
		return nil, err
	}

	detector := dedupe.NewDetector(c.InvoiceRepo, dedupe.Config{
		FuzzyThreshold: cfg.Dedupe.FuzzyThreshold,
		CandidateLimit: cfg.Dedupe.CandidateLimit,
	}, logger.With("component", "duplicate_detector"))

	deps := pipeline.Dependencies{
		FileGuard:  NewFileGuard(cfg.OCR, logger.With("component", "file_guard")),
		Extractor:  engine,
		Normalizer: NewNormalizer(logger.With("component", "normalizer")),
		Validator:  NewInvoiceValidator(cfg.OCR.MinConfidence, logger.With("component", "invoice_validator")),
		Detector:   detector,
		Repository: c.InvoiceRepo,
		Audit:      NewAuditRecorder(c.AuditRepo, logger.With("component", "audit_recorder")),
		Metrics:    c.Metrics,
		Archive:    c.Archive,
	}

	orchestrator, err := pipeline.NewOrchestrator(deps, pipeline.Config{
		StatusRetention: cfg.Pipeline.StatusRetention,
		StatusCapacity:  cfg.Pipeline.StatusCapacity,
	}, logger.With("component", "orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	logger.Info("Created pipeline orchestrator",
		"ocr_engine", engine.Name(),
		"archive_enabled", c.Archive != nil,
		"fuzzy_threshold", cfg.Dedupe.FuzzyThreshold)
	return orchestrator, nil
}
