// Package rabbitmq publishes reservation events to a topic exchange and
// consumes order events from a quorum queue with a dead-letter exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	exchangeType = "topic"
	dialAttempts = 5
	dialBackoff  = 2 * time.Second
)

type Config struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Workers  int
}

func (c Config) deadLetterExchange() string { return c.Exchange + ".dlx" }
func (c Config) deadLetterQueue() string    { return c.Queue + ".dlq" }

// Dial connects to the broker, retrying while it starts up, and declares the
// exchanges and the dead-letter queue.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("failed to connect to RabbitMQ")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		exchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("could not declare exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare dead-letter exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.deadLetterQueue(),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "quorum"},
	)
	if err != nil {
		return fmt.Errorf("could not declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.deadLetterQueue(), "", cfg.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("could not bind dead-letter queue: %w", err)
	}
	return nil
}

func toTable(headers map[string]string) amqp.Table {
	t := make(amqp.Table, len(headers))
	for k, v := range headers {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	headers := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}
