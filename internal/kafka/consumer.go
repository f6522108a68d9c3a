package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/backdrop/internal/models"
)

const (
	maxBackoffShift = 10
	baseDelay       = 1 * time.Second
	maxDelay        = 5 * time.Minute
	maxAttempts     = 50 // after this many attempts the message is skipped so it cannot block the partition
)

// errMalformed marks messages that can never be processed; they are skipped without retry.
var errMalformed = errors.New("malformed message")

// Consumer wraps a Kafka consumer
type Consumer struct {
	reader  *kafka.Reader
	handler MessageHandler
}

// MessageHandler processes generation events
type MessageHandler interface {
	HandleGeneration(ctx context.Context, g *models.Generation) error
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // manual commits
		// Start from the earliest message when the group has no committed offset,
		// so events published before the first worker start are not lost.
		StartOffset: kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka consumer initialized")

	return &Consumer{
		reader:  reader,
		handler: handler,
	}
}

// Start consumes messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("CRITICAL: Message processing failed - SKIPPING MESSAGE")
		}

		// Commit even skipped messages so one bad message cannot block the queue.
		// A failed commit means redelivery; the handler is idempotent.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = c.processMessage(ctx, msg)
		if lastErr == nil || errors.Is(lastErr, errMalformed) {
			return lastErr
		}

		log.Error().
			Err(lastErr).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Msg("Failed to process message - will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt)):
		}
	}
	return lastErr
}

// retryDelay is the exponential backoff before retry number attempt+1.
func retryDelay(attempt int) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(min(attempt, maxBackoffShift)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// processMessage processes a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	log.Debug().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Processing message")

	g, err := decodeGeneration(msg.Value)
	if err != nil {
		return err
	}

	if err := c.handler.HandleGeneration(ctx, g); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}

	log.Info().
		Str("generation_id", g.ID.String()).
		Str("status", g.Status).
		Msg("Generation stored")

	return nil
}

func decodeGeneration(value []byte) (*models.Generation, error) {
	var event models.GenerationEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.Type != models.GenerationEventRecorded {
		return nil, fmt.Errorf("%w: unknown event type %q", errMalformed, event.Type)
	}
	if event.Generation == nil {
		return nil, fmt.Errorf("%w: event without generation", errMalformed)
	}
	return event.Generation, nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}
