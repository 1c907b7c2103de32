package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"psagate/pkg/circuit"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func TestBusFansOutTransitions(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub)
	pub := &recordingPublisher{}
	bus := NewBus(hub, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)

	reg := circuit.NewRegistry(circuit.Config{FailureThreshold: 1}, circuit.WithListener(bus.OnTransition))
	reg.RecordFailure("billing")

	select {
	case evt := <-sub:
		if evt.Type != TypeCircuitTransition {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not receive transition")
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	bus.Wait()
	if pub.count() != 1 || pub.keys[0] != "billing" {
		t.Fatalf("expected one keyed publish, got %v", pub.keys)
	}
}

func TestBusDrainsQueueOnShutdown(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	bus := NewBus(nil, pub, nil)
	for i := 0; i < 3; i++ {
		bus.OnTransition(circuit.Transition{Service: "crm", To: circuit.Open})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)
	if pub.count() != 3 {
		t.Fatalf("expected queued events to be drained, got %d", pub.count())
	}
}

func TestBusWithoutPublisher(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(1)
	defer hub.Unsubscribe(sub)
	bus := NewBus(hub, nil, nil)
	bus.OnTransition(circuit.Transition{Service: "crm", To: circuit.HalfOpen})
	if evt := <-sub; evt.Type != TypeCircuitTransition {
		t.Fatalf("unexpected event %+v", evt)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)
	bus.Wait()
}
