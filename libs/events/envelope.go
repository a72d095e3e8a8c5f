// Package events defines the canonical event envelope shared by every
// QuickRefurbz service, plus the factory that constructs envelopes with
// identity, timestamps, and saga-correlation metadata.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpecVersion is the envelope format revision stamped on every event.
const SpecVersion = "1.0"

// Envelope is the wire and storage unit for one event. Envelopes are
// immutable once built; retries and correlated follow-ups are new envelopes
// created through the Factory.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Time          time.Time       `json:"time"`
	SpecVersion   string          `json:"specversion"`
	Subject       string          `json:"subject,omitempty"`
	QLID          string          `json:"qlid,omitempty"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data,omitempty"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata carries delivery and traceability fields alongside the payload.
// Extra holds free-form extensions that services attach without a schema
// change.
type Metadata struct {
	RetryCount        int            `json:"retryCount"`
	Environment       string         `json:"environment,omitempty"`
	OriginalTimestamp string         `json:"originalTimestamp,omitempty"`
	WarehouseID       string         `json:"warehouseId,omitempty"`
	Traceparent       string         `json:"traceparent,omitempty"`
	Tracestate        string         `json:"tracestate,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// clone deep-copies the metadata so envelopes never share the Extra map.
func (m Metadata) clone() Metadata {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Marshal serializes the envelope for transport.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a serialized envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Decode unmarshals the opaque payload into a concrete type. The bus layer
// never does this; it is for typed handlers at the subscription boundary.
func Decode[T any](e Envelope) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return out, nil
}
