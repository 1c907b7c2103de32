package events

import (
	"context"
	"time"

	"psagate/pkg/circuit"

	"go.uber.org/zap"
)

// Publisher is an external sink for events.
type Publisher interface {
	Publish(ctx context.Context, key string, evt Event) error
}

type queued struct {
	key string
	evt Event
}

// Bus receives circuit transitions on the request path. It broadcasts them to
// the hub right away and hands them to the publisher from its own goroutine,
// so a slow broker never holds up a request.
type Bus struct {
	hub       *Hub
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
	queue     chan queued
	done      chan struct{}
}

func NewBus(hub *Hub, publisher Publisher, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		hub:       hub,
		publisher: publisher,
		logger:    logger,
		timeout:   5 * time.Second,
		queue:     make(chan queued, 256),
		done:      make(chan struct{}),
	}
}

func (b *Bus) Hub() *Hub { return b.hub }

// OnTransition has the circuit.Listener signature.
func (b *Bus) OnTransition(tr circuit.Transition) {
	evt := NewEvent(TypeCircuitTransition, tr)
	if b.hub != nil {
		b.hub.Publish(evt)
	}
	if b.publisher == nil {
		return
	}
	select {
	case b.queue <- queued{key: tr.Service, evt: evt}:
	default:
		b.logger.Warn("event queue full, dropping transition",
			zap.String("destination", tr.Service),
			zap.String("to", string(tr.To)))
	}
}

// Run forwards queued events to the publisher until ctx ends, then drains
// what is left with a short deadline.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	if b.publisher == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case q := <-b.queue:
			b.publish(context.Background(), q)
		case <-ctx.Done():
			for {
				select {
				case q := <-b.queue:
					b.publish(context.Background(), q)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (b *Bus) Wait() {
	<-b.done
}

func (b *Bus) publish(parent context.Context, q queued) {
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, q.key, q.evt); err != nil {
		b.logger.Warn("publish event failed", zap.String("destination", q.key), zap.Error(err))
	}
}
