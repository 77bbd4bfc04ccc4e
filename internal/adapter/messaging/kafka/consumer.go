package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/port"
)

type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Workers int
}

// Consumer reads the routing-key topics as one consumer group. Each worker
// owns a reader, so partitions are spread across workers.
type Consumer struct {
	cfg    ConsumerConfig
	writer *kafka.Writer
	log    zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig, writer *kafka.Writer, log zerolog.Logger) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Consumer{cfg: cfg, writer: writer, log: log}
}

func (c *Consumer) Consume(ctx context.Context, routingKeys []string, dispatch port.DispatchFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:     c.cfg.Brokers,
				GroupID:     c.cfg.GroupID,
				GroupTopics: routingKeys,
				MinBytes:    1,
				MaxBytes:    10e6,
			})
			defer reader.Close()
			return c.run(gctx, reader, dispatch)
		})
	}
	c.log.Info().Strs("topics", routingKeys).Int("workers", c.cfg.Workers).Msg("kafka consumer started")
	err := g.Wait()
	c.log.Info().Msg("kafka consumer stopped")
	return err
}

func (c *Consumer) run(ctx context.Context, reader *kafka.Reader, dispatch port.DispatchFunc) error {
	for {
		// FetchMessage rather than ReadMessage so the offset is committed
		// only after the message is settled
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("could not fetch message, retrying")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		headers := fromHeaders(m.Headers)
		msg := port.InboundMessage{
			MessageID:       headers[HeaderMessageID],
			RoutingKey:      m.Topic,
			Body:            m.Value,
			Headers:         headers,
			DeliveryAttempt: deliveryAttempt(headers),
		}

		decision := dispatch(context.WithoutCancel(ctx), msg)
		if !c.settle(ctx, m, msg, decision) {
			// not committed; redelivered after the next rebalance
			return nil
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			c.log.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("failed to commit message")
		}
	}
}

// settle produces the follow-up message a decision needs. It reports false
// only when ctx ended before that could be done.
func (c *Consumer) settle(ctx context.Context, m kafka.Message, msg port.InboundMessage, decision port.Decision) bool {
	var next kafka.Message
	switch decision {
	case port.Ack:
		return true
	case port.Requeue:
		next = kafka.Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Headers: withHeader(m.Headers, HeaderDeliveryAttempt, strconv.Itoa(msg.DeliveryAttempt+1)),
		}
	case port.DeadLetter:
		headers := withHeader(m.Headers, HeaderOriginalTopic, m.Topic)
		headers = withHeader(headers, HeaderOriginalPartition, strconv.Itoa(m.Partition))
		headers = withHeader(headers, HeaderOriginalOffset, strconv.FormatInt(m.Offset, 10))
		next = kafka.Message{
			Topic:   m.Topic + deadLetterSuffix,
			Key:     m.Key,
			Value:   m.Value,
			Headers: headers,
		}
	}

	for {
		err := c.writer.WriteMessages(ctx, next)
		if err == nil {
			if decision == port.DeadLetter {
				c.log.Error().
					Str("original_topic", m.Topic).
					Int("original_partition", m.Partition).
					Int64("original_offset", m.Offset).
					Str("message_id", msg.MessageID).
					Msg("CRITICAL: message dead-lettered")
			}
			return true
		}
		c.log.Error().Err(err).Str("topic", next.Topic).Stringer("decision", decision).Msg("could not produce follow-up message, retrying")
		if !sleep(ctx, time.Second) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
