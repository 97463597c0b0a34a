package producers

import (
	"context"

	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/segmentio/kafka-go"
)

// SubmissionPublisher enqueues asynchronous invoice submissions
type SubmissionPublisher interface {
	Publish(ctx context.Context, msg *submission.Message) error
	Close() error
}

// DeadLetterPublisher handles publishing messages to a Dead Letter Queue
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, key string, originalMessageValue []byte, reason string) error
	Close() error
}

// KafkaWriter wraps kafka.Writer methods for testing
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
