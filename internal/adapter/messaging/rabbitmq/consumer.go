package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/port"
)

// Quorum queues count earlier deliveries of a message in this header.
const deliveryCountHeader = "x-delivery-count"

var errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

type Consumer struct {
	conn *amqp.Connection
	cfg  Config
	log  zerolog.Logger
}

func NewConsumer(conn *amqp.Connection, cfg Config, log zerolog.Logger) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < cfg.Workers {
		cfg.Prefetch = cfg.Workers
	}
	return &Consumer{conn: conn, cfg: cfg, log: log}
}

// Consume binds the work queue to routingKeys and feeds deliveries to
// dispatch from Workers goroutines until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, routingKeys []string, dispatch port.DispatchFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("could not set qos: %w", err)
	}

	q, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-queue-type":           "quorum",
			"x-dead-letter-exchange": c.cfg.deadLetterExchange(),
		},
	)
	if err != nil {
		return fmt.Errorf("could not declare queue: %w", err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("could not bind queue to %s: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info().Str("queue", q.Name).Strs("routing_keys", routingKeys).Int("workers", c.cfg.Workers).Msg("rabbitmq consumer started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return errDeliveriesClosed
					}
					c.handle(context.WithoutCancel(gctx), d, dispatch)
				}
			}
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
			}
			return errDeliveriesClosed
		}
	})

	err = g.Wait()
	c.log.Info().Str("queue", q.Name).Msg("rabbitmq consumer stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, dispatch port.DispatchFunc) {
	msg := port.InboundMessage{
		MessageID:       d.MessageId,
		RoutingKey:      d.RoutingKey,
		Body:            d.Body,
		Headers:         fromTable(d.Headers),
		DeliveryAttempt: deliveryAttempt(d.Headers),
	}

	var err error
	switch dispatch(ctx, msg) {
	case port.Ack:
		err = d.Ack(false)
	case port.Requeue:
		err = d.Nack(false, true)
	case port.DeadLetter:
		// rejected without requeue goes to the dead-letter exchange
		err = d.Reject(false)
	}
	if err != nil {
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("failed to settle delivery")
	}
}

func deliveryAttempt(headers amqp.Table) int {
	var previous int64
	switch v := headers[deliveryCountHeader].(type) {
	case int64:
		previous = v
	case int32:
		previous = int64(v)
	case int16:
		previous = int64(v)
	case int:
		previous = int64(v)
	}
	return int(previous) + 1
}
