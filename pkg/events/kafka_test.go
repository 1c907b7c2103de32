package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" "}}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "x", GroupID: "g"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
	if got := (KafkaConfig{}).topic(); got != DefaultTopic {
		t.Fatalf("expected default topic, got %q", got)
	}

	pub, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"\t", "127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	consumer, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "psactl"})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaPublisherWritesKeyedJSON(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	if err := p.Publish(context.Background(), "billing", NewEvent(TypeCircuitTransition, map[string]string{"to": "OPEN"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "billing" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var evt Event
	if err := json.Unmarshal(w.msgs[0].Value, &evt); err != nil || evt.Type != TypeCircuitTransition {
		t.Fatalf("unexpected payload %s (%v)", w.msgs[0].Value, err)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), "billing", evt); err == nil {
		t.Fatal("expected publish error")
	}
	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), "x", evt); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestKafkaConsumerReadEvent(t *testing.T) {
	value, _ := json.Marshal(NewEvent(TypeCircuitTransition, nil))
	c := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: value}}}
	evt, err := c.ReadEvent(context.Background())
	if err != nil || evt.Type != TypeCircuitTransition {
		t.Fatalf("unexpected event %+v err=%v", evt, err)
	}

	c = &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte("{")}}}
	if _, err := c.ReadEvent(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
	c = &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
	if _, err := c.ReadEvent(context.Background()); err == nil {
		t.Fatal("expected read error")
	}
	if _, err := (&KafkaConsumer{}).ReadEvent(context.Background()); err == nil {
		t.Fatal("expected error for uninitialized reader")
	}
}
