package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/segmentio/kafka-go"
)

// Message headers set on every submission
const (
	HeaderCorrelationID = "correlation-id"
	HeaderContentType   = "content-type"
)

// SubmissionProducer writes submissions synchronously: the gateway answers 202 only
// once the broker has acknowledged the message.
type SubmissionProducer struct {
	logger *slog.Logger
	writer KafkaWriter
	topic  string
}

// NewSubmissionProducer ensures the submission topic exists and opens a writer on it
func NewSubmissionProducer(ctx context.Context, logger *slog.Logger, cfg *config.KafkaConfig) (*SubmissionProducer, error) {
	if cfg.SubmissionTopic == "" {
		return nil, fmt.Errorf("kafka submission topic is not configured")
	}

	if err := ensureTopic(ctx, cfg, cfg.SubmissionTopic, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure submission topic %s exists: %w", cfg.SubmissionTopic, err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.SubmissionTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.MaxWait,
	}

	return &SubmissionProducer{
		logger: logger,
		writer: writer,
		topic:  cfg.SubmissionTopic,
	}, nil
}

// Publish keys the message by correlation id so retries of one upload land on one partition
func (p *SubmissionProducer) Publish(ctx context.Context, msg *submission.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to publish submission: %w", err)
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal submission %s: %w", msg.CorrelationID, err)
	}

	kmsg := kafka.Message{
		Key:   []byte(msg.CorrelationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderCorrelationID, Value: []byte(msg.CorrelationID)},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
	}

	if err := p.writer.WriteMessages(ctx, kmsg); err != nil {
		p.logger.Error("Failed to publish invoice submission",
			"topic", p.topic,
			"correlation_id", msg.CorrelationID,
			"error", err,
		)
		return fmt.Errorf("failed to publish submission to %s: %w", p.topic, err)
	}

	p.logger.Debug("Published invoice submission",
		"topic", p.topic,
		"correlation_id", msg.CorrelationID,
		"archive_key", msg.ArchiveKey,
	)
	return nil
}

func (p *SubmissionProducer) Close() error {
	p.logger.Info("Closing submission producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer for topic %s: %w", p.topic, err)
	}
	return nil
}
