package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/pulse/internal/config"
	"github.com/gosight/pulse/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes jobs to the events topic for the event processor
// to consume. Messages are keyed by session id so that the events of one
// session stay ordered within a partition.
type KafkaDispatcher struct {
	writer messageWriter
	topic  string
}

func NewKafkaDispatcher(cfg config.KafkaConfig) *KafkaDispatcher {
	topic := cfg.EventsTopic()
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 10,
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

func (p *KafkaDispatcher) Dispatch(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.Event.SessionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "project_id", Value: []byte(job.Event.ProjectID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaDispatcher) Close() error {
	return p.writer.Close()
}
