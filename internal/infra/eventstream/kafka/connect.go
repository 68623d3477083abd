package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/leakwatch/internal/domain/events"
	"github.com/ahrav/leakwatch/pkg/common/logger"
)

// ConnectStream creates an EventStream instance using the provided Kafka
// client, retrying with exponential backoff while producer and consumer
// group connections are established. This handles temporary network issues
// or Kafka cluster unavailability during startup.
func ConnectStream(
	cfg Config,
	client sarama.Client,
	logger *logger.Logger,
	metrics StreamMetrics,
	tracer trace.Tracer,
) (events.EventStream, error) {
	var stream events.EventStream

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close() // Clean up on failure
			return fmt.Errorf("creating consumer group: %w", err)
		}

		stream, err = NewStream(producer, consumerGroup, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			return fmt.Errorf("creating event stream: %w", err)
		}
		return nil
	}

	err := backoff.Retry(operation, expBackoff)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event stream after retries: %w", err)
	}

	return stream, nil
}
