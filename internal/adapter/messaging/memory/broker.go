// Package memory is an in-process message broker for local runs and tests.
// It keeps the settlement contract of the real brokers: requeued deliveries
// come back with a higher attempt count and dead-lettered ones are parked.
package memory

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/port"
)

type subscription struct {
	keys       []string
	deliveries chan port.InboundMessage
}

type Broker struct {
	mu          sync.Mutex
	subs        []*subscription
	published   []port.OutboundMessage
	deadLetters []port.InboundMessage
	publishErr  error
	workers     int
	buffer      int
}

func NewBroker(workers int) *Broker {
	if workers < 1 {
		workers = 1
	}
	return &Broker{workers: workers, buffer: 1024}
}

// FailPublishes makes every Publish return err until called with nil.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *Broker) Publish(ctx context.Context, msg port.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, msg)
	var targets []*subscription
	for _, s := range b.subs {
		if slices.Contains(s.keys, msg.RoutingKey) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	in := port.InboundMessage{
		MessageID:       msg.MessageID,
		RoutingKey:      msg.RoutingKey,
		Body:            msg.Body,
		Headers:         msg.Headers,
		DeliveryAttempt: 1,
	}
	for _, s := range targets {
		select {
		case s.deliveries <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Consume blocks until ctx is cancelled. Deliveries are spread over the
// broker's workers.
func (b *Broker) Consume(ctx context.Context, routingKeys []string, dispatch port.DispatchFunc) error {
	sub := &subscription{
		keys:       slices.Clone(routingKeys),
		deliveries: make(chan port.InboundMessage, b.buffer),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	defer b.unsubscribe(sub)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg := <-sub.deliveries:
					// a delivery in flight finishes even when shutdown starts
					decision := dispatch(context.WithoutCancel(gctx), msg)
					b.settle(gctx, sub, msg, decision)
				}
			}
		})
	}
	return g.Wait()
}

func (b *Broker) settle(ctx context.Context, sub *subscription, msg port.InboundMessage, decision port.Decision) {
	switch decision {
	case port.Requeue:
		msg.DeliveryAttempt++
		select {
		case sub.deliveries <- msg:
		case <-ctx.Done():
		}
	case port.DeadLetter:
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, msg)
		b.mu.Unlock()
	}
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
}

// Published returns a copy of every accepted message, oldest first.
func (b *Broker) Published() []port.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// DeadLetters returns a copy of every dead-lettered delivery.
func (b *Broker) DeadLetters() []port.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.deadLetters)
}
