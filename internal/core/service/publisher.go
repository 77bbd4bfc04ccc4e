package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

// RetryConfig bounds the publisher's exponential backoff.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// AttemptTimeout caps each individual broker call.
	AttemptTimeout time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		AttemptTimeout:    3 * time.Second,
	}
}

// EventPublisher sends domain events to the broker with at-least-once
// semantics. Exhausting the retry budget yields *domain.MessageDeliveryError.
type EventPublisher struct {
	broker  port.MessageBroker
	retry   RetryConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewEventPublisher(broker port.MessageBroker, retry RetryConfig, log zerolog.Logger, m *metrics.Metrics) *EventPublisher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffMultiplier < 1 {
		retry.BackoffMultiplier = 1
	}
	return &EventPublisher{
		broker:  broker,
		retry:   retry,
		log:     log,
		metrics: m,
		sleep:   sleepCtx,
	}
}

func (p *EventPublisher) Publish(ctx context.Context, event domain.Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.MessageID, err)
	}

	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	msg := port.OutboundMessage{
		MessageID:  event.MessageID,
		RoutingKey: event.RoutingKey(),
		Body:       body,
		Headers:    headers,
		Timestamp:  event.Timestamp,
	}

	var (
		lastErr  error
		attempts int
	)
	delay := p.retry.InitialDelay

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay = time.Duration(float64(delay) * p.retry.BackoffMultiplier)
			if p.retry.MaxDelay > 0 && delay > p.retry.MaxDelay {
				delay = p.retry.MaxDelay
			}
		}

		attempts = attempt
		lastErr = p.publishOnce(ctx, msg)
		p.metrics.PublishAttempt(msg.RoutingKey, lastErr)
		if lastErr == nil {
			return nil
		}

		p.log.Warn().Err(lastErr).
			Str("routing_key", msg.RoutingKey).
			Str("message_id", msg.MessageID).
			Int("attempt", attempt).
			Msg("publish attempt failed")
	}

	p.metrics.PublishFailed(msg.RoutingKey)
	p.log.Error().Err(lastErr).
		Str("routing_key", msg.RoutingKey).
		Str("message_id", msg.MessageID).
		Str("reservation_id", event.ReservationID).
		Int("attempts", attempts).
		Msg("CRITICAL: event delivery exhausted retry budget")

	return &domain.MessageDeliveryError{
		RoutingKey: msg.RoutingKey,
		MessageID:  msg.MessageID,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func (p *EventPublisher) publishOnce(ctx context.Context, msg port.OutboundMessage) error {
	if p.retry.AttemptTimeout <= 0 {
		return p.broker.Publish(ctx, msg)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.retry.AttemptTimeout)
	defer cancel()
	return p.broker.Publish(attemptCtx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
