package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/invoice-intake-pipeline/internal/invoice_processor/service"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/platform/messaging/producers"
)

// DeadLetterCounter counts messages routed to the DLQ
type DeadLetterCounter interface {
	DeadLettered()
}

// SubmissionHandler handles queued invoice submissions from Kafka
type SubmissionHandler struct {
	processingService service.ProcessingService
	producer          producers.DeadLetterPublisher
	counter           DeadLetterCounter
	logger            *slog.Logger
}

// NewSubmissionHandler creates a new handler. producer and counter may be nil.
func NewSubmissionHandler(
	logger *slog.Logger,
	processingService service.ProcessingService,
	producer producers.DeadLetterPublisher,
	counter DeadLetterCounter,
) *SubmissionHandler {
	return &SubmissionHandler{
		processingService: processingService,
		producer:          producer,
		counter:           counter,
		logger:            logger,
	}
}

// HandleMessage processes one Kafka message. A nil return commits the offset.
//
// Undecodable messages and messages whose document cannot be fetched go to the DLQ.
// Pipeline failures are already recorded by the pipeline and are committed.
// Errors caused by shutdown are returned so the message is redelivered.
func (h *SubmissionHandler) HandleMessage(ctx context.Context, key []byte, value []byte) error {
	var msg submission.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		h.logger.Error("Failed to unmarshal submission from Kafka message", "error", err, "message_key", string(key))
		return h.deadLetter(ctx, key, value, "failed to unmarshal submission", err)
	}
	if err := msg.Validate(); err != nil {
		h.logger.Error("Received invalid submission", "error", err, "message_key", string(key))
		return h.deadLetter(ctx, key, value, "invalid submission", err)
	}

	logger := h.logger.With("correlation_id", msg.CorrelationID)
	logger.Info("Received queued invoice for processing",
		"file_name", msg.FileName,
		"content_type", msg.ContentType,
		"size", msg.Size,
	)

	err := h.processingService.ProcessSubmission(ctx, &msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrDocumentUnavailable):
		return h.deadLetter(ctx, key, value, "document unavailable", err)
	case ctx.Err() != nil:
		logger.Warn("Processing interrupted by shutdown, leaving message for redelivery", "error", err)
		return fmt.Errorf("processing submission %s interrupted: %w", msg.CorrelationID, err)
	case pipeline.FailedStep(err) == "":
		// Not a pipeline outcome, e.g. the worker pool is closed.
		return fmt.Errorf("processing submission %s failed: %w", msg.CorrelationID, err)
	default:
		logger.Info("Queued invoice finished with a failed run", "step", pipeline.FailedStep(err))
		return nil
	}
}

func (h *SubmissionHandler) deadLetter(ctx context.Context, key, value []byte, what string, cause error) error {
	if h.producer == nil {
		return fmt.Errorf("%s: %w", what, cause)
	}

	reason := fmt.Sprintf("%s: %s", what, cause.Error())
	if err := h.producer.PublishToDLQ(context.WithoutCancel(ctx), string(key), value, reason); err != nil {
		h.logger.Error("Failed to publish message to DLQ",
			"dlq_error", err,
			"original_error", cause,
			"message_key", string(key),
		)
		return fmt.Errorf("%s: %w", what, cause)
	}

	if h.counter != nil {
		h.counter.DeadLettered()
	}
	h.logger.Info("Published unprocessable message to DLQ", "message_key", string(key), "reason", reason)
	return nil
}
