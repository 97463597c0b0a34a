package producers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/segmentio/kafka-go"
)

const (
	topicCheckAttempts = 5
	topicCheckBackoff  = 2 * time.Second
)

// ensureTopic creates topic on the cluster controller when no broker knows it yet.
// Transient metadata errors are retried; a missing topic is created straight away.
func ensureTopic(ctx context.Context, cfg *config.KafkaConfig, topic string, logger *slog.Logger) error {
	brokers := cfg.BrokerList()
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker %s: %w", brokers[0], err)
	}
	defer conn.Close()

	for attempt := 1; ; attempt++ {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			logger.Info("Kafka topic already exists", "topic", topic, "partitions", len(partitions))
			return nil
		}
		if err == nil || errors.Is(err, kafka.UnknownTopicOrPartition) {
			break
		}
		if attempt == topicCheckAttempts {
			logger.Warn("Could not read topic metadata, attempting to create topic", "topic", topic, "error", err)
			break
		}
		logger.Warn("Failed to read partitions, retrying", "topic", topic, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(topicCheckBackoff):
		}
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to look up kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfig := topicConfigFor(topic, cfg.NumPartitions, cfg.ReplicationFactor)
	if err := controllerConn.CreateTopics(topicConfig); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create kafka topic %s: %w", topic, err)
	}
	logger.Info("Kafka topic ready",
		"topic", topic,
		"partitions", topicConfig.NumPartitions,
		"replication_factor", topicConfig.ReplicationFactor)
	return nil
}

// topicConfigFor defaults non-positive partition and replication counts to 1
func topicConfigFor(topic string, partitions, replication int) kafka.TopicConfig {
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}
	return kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	}
}
