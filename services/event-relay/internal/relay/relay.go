// Package relay mirrors bus envelopes into Kafka so the analytics pipeline
// consumes the same events without touching the Redis streams.
package relay

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/eventbus"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/kafkax"
)

// Writer is the slice of kafka.Writer the relay needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	writer Writer
	logger *slog.Logger
}

func New(writer Writer, logger *slog.Logger) *Relay {
	return &Relay{writer: writer, logger: logger}
}

// NewWriter builds the production Kafka writer: one topic per event type,
// hash-balanced by key so events for one subject stay on one partition.
func NewWriter(brokers []string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.Hash{},
	})
}

// Handle forwards one envelope. A write failure propagates to the bus, which
// leaves the message pending for redelivery.
func (r *Relay) Handle(ctx context.Context, evt events.Envelope, _ eventbus.HandlerContext) error {
	raw, err := evt.Marshal()
	if err != nil {
		// Unserializable envelopes cannot be mirrored, ever; don't retry.
		r.logger.Error("dropping unserializable envelope", "event_id", evt.ID, "err", err)
		return nil
	}

	key := evt.Subject
	if key == "" {
		key = evt.ID
	}
	msg := kafka.Message{
		Topic:   evt.Type,
		Key:     []byte(key),
		Value:   raw,
		Headers: kafkax.EnvelopeHeaders(evt),
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.logger.Error("kafka mirror failed", "event_id", evt.ID, "type", evt.Type, "err", err)
		return err
	}
	r.logger.Debug("event mirrored", "event_id", evt.ID, "type", evt.Type)
	return nil
}
