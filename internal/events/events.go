// Package events publishes image lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeImageUploaded  = "image.uploaded"
	TypeImageDeleted   = "image.deleted"
	TypeBatchCompleted = "batch.completed"
)

type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	OwnerKey  string    `json:"-"`
	UserPath  string    `json:"user_path,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Format    string    `json:"format,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Kafka writes events as JSON messages keyed by image or batch id, so all
// events of one entity land on the same partition.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(broker, topic string) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	const op = "events.Kafka.Publish"

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
