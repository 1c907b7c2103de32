package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "gateway.circuit.transitions"

var errNotInitialized = errors.New("kafka client not initialized")

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

func (c KafkaConfig) brokers() []string {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c KafkaConfig) topic() string {
	if t := strings.TrimSpace(c.Topic); t != "" {
		return t
	}
	return DefaultTopic
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by destination so one destination's
// transitions stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.topic(),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, evt Event) error {
	if p == nil || p.writer == nil {
		return errNotInitialized
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads events back from the topic, e.g. for operator tooling.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.topic(),
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadEvent(ctx context.Context) (Event, error) {
	if c == nil || c.reader == nil {
		return Event{}, errNotInitialized
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	return evt, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
