package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/backdrop/internal/models"
)

// Producer wraps a Kafka producer
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka producer initialized")

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishGeneration publishes a recorded generation. Messages are keyed by
// session so one session's history stays ordered within a partition.
func (p *Producer) PublishGeneration(ctx context.Context, g *models.Generation) error {
	msg, err := encodeGeneration(g, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	log.Debug().
		Str("generation_id", g.ID.String()).
		Str("session_id", g.SessionID.String()).
		Str("topic", p.topic).
		Msg("Generation published to Kafka")

	return nil
}

func encodeGeneration(g *models.Generation, now time.Time) (kafka.Message, error) {
	data, err := json.Marshal(models.GenerationEvent{
		Type:       models.GenerationEventRecorded,
		Generation: g,
		Timestamp:  now,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal generation event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(g.SessionID.String()),
		Value: data,
	}, nil
}

// Close closes the producer
func (p *Producer) Close() error {
	log.Info().Msg("Closing Kafka producer")
	return p.writer.Close()
}
