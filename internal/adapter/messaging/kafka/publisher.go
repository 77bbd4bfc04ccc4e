// Package kafka maps routing keys one-to-one onto topics. Redelivery is done
// by producing the message again with a higher attempt header, and dead
// letters go to "<topic>.dlt".
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	HeaderMessageID         = "message-id"
	HeaderDeliveryAttempt   = "x-delivery-attempt"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"

	deadLetterSuffix = ".dlt"
)

// NewWriter returns a writer that routes each message by its own Topic and
// waits for all in-sync replicas.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(writer *kafka.Writer) *Publisher {
	return &Publisher{writer: writer}
}

func (p *Publisher) Publish(ctx context.Context, msg port.OutboundMessage) error {
	headers := toHeaders(msg.Headers)
	headers = append(headers, kafka.Header{Key: HeaderMessageID, Value: []byte(msg.MessageID)})

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.RoutingKey,
		Key:     []byte(msg.MessageID),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("produce to %s: %w", msg.RoutingKey, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toHeaders(m map[string]string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(m)+1)
	for k, v := range m {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func fromHeaders(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

// withHeader returns a copy of headers with key set to value.
func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

func deliveryAttempt(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderDeliveryAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
