package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Handler applies the effect of one event. It must be idempotent.
type Handler func(ctx context.Context, event domain.Event) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not fixable by redelivery; the message goes
// straight to the dead-letter path.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry maps routing keys to handlers. It is filled once at startup and
// handed to NewDispatcher.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(routingKey string, h Handler) error {
	if routingKey == "" || h == nil {
		return errors.New("register handler: empty routing key or nil handler")
	}
	if _, exists := r.handlers[routingKey]; exists {
		return fmt.Errorf("register handler: %s already registered", routingKey)
	}
	r.handlers[routingKey] = h
	return nil
}

type DispatcherConfig struct {
	// MaxDeliveryAttempts is the retry ceiling before a failing message is
	// dead-lettered.
	MaxDeliveryAttempts int
	HandlerTimeout      time.Duration
}

// Dispatcher decodes deliveries, deduplicates them and runs the registered
// handler. Deliveries may arrive concurrently; handlers touching the same
// reservation run one at a time.
type Dispatcher struct {
	handlers map[string]Handler
	guard    *IdempotencyGuard
	cfg      DispatcherConfig
	locks    *keyedMutex
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(reg *Registry, guard *IdempotencyGuard, cfg DispatcherConfig, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxDeliveryAttempts < 1 {
		cfg.MaxDeliveryAttempts = 1
	}
	handlers := make(map[string]Handler, len(reg.handlers))
	for k, h := range reg.handlers {
		handlers[k] = h
	}
	return &Dispatcher{
		handlers: handlers,
		guard:    guard,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		log:      log,
		metrics:  m,
	}
}

// RoutingKeys lists the keys the consumer must subscribe to.
func (d *Dispatcher) RoutingKeys() []string {
	keys := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dispatch handles one delivery and tells the consumer how to settle it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg port.InboundMessage) (decision port.Decision) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := tracer.Start(ctx, "Dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("messaging.routing_key", msg.RoutingKey),
		attribute.String("messaging.message_id", msg.MessageID),
		attribute.Int("messaging.delivery_attempt", msg.DeliveryAttempt),
	))
	defer func() {
		span.SetAttributes(attribute.String("messaging.decision", decision.String()))
		span.End()
		d.metrics.MessageConsumed(msg.RoutingKey, decision.String())
	}()

	log := d.log.With().
		Str("routing_key", msg.RoutingKey).
		Str("message_id", msg.MessageID).
		Int("attempt", msg.DeliveryAttempt).
		Logger()

	handler, ok := d.handlers[msg.RoutingKey]
	if !ok {
		log.Error().Msg("no handler registered, dead-lettering")
		return port.DeadLetter
	}

	event, err := domain.UnmarshalEvent(msg.Body)
	if err != nil {
		log.Error().Err(err).Msg("undecodable message, dead-lettering")
		return port.DeadLetter
	}
	messageID := msg.MessageID
	if messageID == "" {
		messageID = event.MessageID
	}

	unlock := d.locks.Lock(event.LockKey())
	defer unlock()

	seen, err := d.guard.CheckAndRecord(ctx, messageID)
	if err != nil {
		span.RecordError(err)
		return d.retryOrDeadLetter(log, msg, err)
	}
	if seen == Duplicate {
		d.metrics.Duplicate()
		log.Debug().Err(domain.ErrDuplicateMessage).Msg("message already applied, acking")
		return port.Ack
	}

	hctx := ctx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	if err := handler(hctx, event); err != nil {
		span.RecordError(err)
		if ferr := d.guard.Forget(context.WithoutCancel(ctx), messageID); ferr != nil {
			log.Error().Err(ferr).Msg("could not forget failed message, redelivery will be treated as duplicate")
		}
		if IsPermanent(err) {
			log.Error().Err(err).Msg("permanent handler failure, dead-lettering")
			return port.DeadLetter
		}
		return d.retryOrDeadLetter(log, msg, err)
	}

	return port.Ack
}

func (d *Dispatcher) retryOrDeadLetter(log zerolog.Logger, msg port.InboundMessage, err error) port.Decision {
	if msg.DeliveryAttempt >= d.cfg.MaxDeliveryAttempts {
		log.Error().Err(err).
			Int("max_attempts", d.cfg.MaxDeliveryAttempts).
			Msg("retry ceiling reached, dead-lettering")
		return port.DeadLetter
	}
	log.Warn().Err(err).Msg("handler failed, requeueing")
	return port.Requeue
}
