package consumers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one message. A nil return commits the offset.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer defines the message queue consumer interface
type Consumer interface {
	Subscribe(ctx context.Context, handler MessageHandler) error
	Done() <-chan struct{}
	Close() error
}

// kafkaReader is the subset of *kafka.Reader the consumer uses
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads the submission topic as part of a consumer group
type KafkaConsumer struct {
	reader     kafkaReader
	topic      string
	groupID    string
	retryDelay time.Duration
	done       chan struct{}
	logger     *slog.Logger
}

func NewKafkaConsumer(logger *slog.Logger, cfg *config.KafkaConfig) *KafkaConsumer {
	startOffset := cfg.StartOffset
	if startOffset == 0 {
		startOffset = kafka.FirstOffset
	}
	return &KafkaConsumer{
		logger:     logger,
		topic:      cfg.SubmissionTopic,
		groupID:    cfg.ConsumerGroup,
		retryDelay: time.Second,
		done:       make(chan struct{}),
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.BrokerList(),
			Topic:       cfg.SubmissionTopic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: startOffset,
		}),
	}
}

// Subscribe starts the fetch loop in the background and returns immediately.
// Done is closed once the loop has exited after ctx is cancelled.
func (c *KafkaConsumer) Subscribe(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return errors.New("consumer: nil message handler")
	}
	c.logger.Info("Subscribed to Kafka topic", "topic", c.topic, "group_id", c.groupID)

	go func() {
		defer close(c.done)
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.Info("Context canceled, stopping consumer", "topic", c.topic, "group_id", c.groupID)
					return
				}
				c.logger.Error("Failed to fetch message from Kafka", "topic", c.topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.retryDelay):
				}
				continue
			}

			logger := c.logger.With(
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key),
			)
			logger.Debug("Received message from Kafka")

			if err := handler(ctx, msg.Key, msg.Value); err != nil {
				// Left uncommitted: a restart or rebalance redelivers it.
				logger.Error("Failed to process message, offset not committed", "error", err)
				continue
			}

			// Commit even when ctx was cancelled mid-handler; the work is done.
			if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
				logger.Error("Failed to commit message", "error", err)
				continue
			}
			logger.Debug("Message committed")
		}
	}()

	return nil
}

func (c *KafkaConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
