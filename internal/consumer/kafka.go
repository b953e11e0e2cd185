package consumer

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/metrics"
	"github.com/gosight/pulse/internal/model"
)

// JobProcessor processes one decoded job.
type JobProcessor interface {
	Process(ctx context.Context, job model.Job) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads jobs from the events topic and runs them through the
// processor. Every message is committed once handled, whether or not
// processing succeeded.
type KafkaConsumer struct {
	reader    messageReader
	processor JobProcessor
	topic     string
	group     string
}

func NewKafkaConsumer(cfg config.KafkaConfig, processor JobProcessor) *KafkaConsumer {
	topic := cfg.EventsTopic()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	return &KafkaConsumer{
		reader:    reader,
		processor: processor,
		topic:     topic,
		group:     cfg.ConsumerGroup,
	}
}

// Serve consumes until ctx is done.
func (c *KafkaConsumer) Serve(ctx context.Context) error {
	log.Info().
		Str("topic", c.topic).
		Str("group", c.group).
		Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Kafka consumer stopped")
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit message")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	var job model.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		log.Error().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Failed to decode job")
		return
	}

	metrics.EventsDispatchedTotal.Inc()
	if err := c.processor.Process(ctx, job); err != nil {
		metrics.ProcessingFailuresTotal.Inc()
		log.Error().
			Err(err).
			Str("project_id", job.Event.ProjectID).
			Str("session_id", job.Event.SessionID).
			Msg("Failed to process event")
	}
}

func (c *KafkaConsumer) String() string { return "kafka-consumer" }

func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}
