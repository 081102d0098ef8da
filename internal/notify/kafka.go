package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/logging"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaDispatcher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the push pipeline producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaWriter builds the producer for the push pipeline topic.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// KafkaDispatcher writes payloads to the push pipeline topic keyed by user
// id, so one user's notifications stay in one partition.
type KafkaDispatcher struct {
	writer MessageWriter
	log    *zap.Logger
}

// NewKafkaDispatcher creates a KafkaDispatcher.
func NewKafkaDispatcher(writer MessageWriter, log *zap.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, log: logging.Component(log, "notify.kafka")}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(p.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(p.Type)},
			{Key: "schema_version", Value: []byte("1")},
		},
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: write: %w", err)
	}
	d.log.Debug("notification queued", zap.String("type", string(p.Type)), zap.String("user_id", p.UserID))
	return nil
}

// Close flushes and closes the writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
