package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// EnvelopeHeaders builds the canonical Kafka headers for a mirrored bus
// envelope, so downstream consumers can route without deserializing.
func EnvelopeHeaders(evt events.Envelope) []kafka.Header {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(evt.ID)},
		{Key: "event_type", Value: []byte(evt.Type)},
		{Key: "correlation_id", Value: []byte(evt.CorrelationID)},
	}
	if evt.QLID != "" {
		headers = append(headers, kafka.Header{Key: "qlid", Value: []byte(evt.QLID)})
	}
	return headers
}

// EventMeta is the envelope identity carried on mirrored Kafka messages.
type EventMeta struct {
	EventID       string
	EventType     string
	CorrelationID string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:       HeaderValue(msg.Headers, "event_id"),
		EventType:     HeaderValue(msg.Headers, "event_type"),
		CorrelationID: HeaderValue(msg.Headers, "correlation_id"),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
