package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// StreamSubscriber is the slice of the bus the Subscriber needs; *Bus
// satisfies it.
type StreamSubscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler Handler) error
	Close() error
}

// HandlerContext carries the causal metadata a typed handler usually wants
// without digging through the envelope.
type HandlerContext struct {
	CorrelationID string
	CausationID   string
	Metadata      events.Metadata
	QLID          string
}

// TypedHandler is the application-facing handler signature.
type TypedHandler func(ctx context.Context, evt events.Envelope, hctx HandlerContext) error

// PayloadValidator checks an event's opaque payload against a subscription's
// schema expectations.
type PayloadValidator func(data json.RawMessage) error

// SubscribeOption configures one subscription.
type SubscribeOption func(*routedSubscription)

// WithPayloadValidator attaches a payload schema check, run before the
// handler.
func WithPayloadValidator(v PayloadValidator) SubscribeOption {
	return func(s *routedSubscription) { s.validate = v }
}

// WithSkipOnValidationError makes a payload-schema failure skip this
// subscription instead of propagating into the bus's retry path. Structural
// envelope failures are always dropped regardless.
func WithSkipOnValidationError() SubscribeOption {
	return func(s *routedSubscription) { s.skipOnValidation = true }
}

// WithErrorCallback registers a per-subscription callback invoked before a
// handler or validation error propagates.
func WithErrorCallback(cb func(evt events.Envelope, err error)) SubscribeOption {
	return func(s *routedSubscription) { s.onError = cb }
}

type routedSubscription struct {
	matchers         []Matcher
	handler          TypedHandler
	validate         PayloadValidator
	skipOnValidation bool
	onError          func(evt events.Envelope, err error)
}

// Subscriber aggregates many typed, pattern-matched registrations into the
// single low-level handler the bus runs per message. It holds no delivery
// state of its own; retries and dead-lettering live in the bus.
type Subscriber struct {
	bus    StreamSubscriber
	logger *slog.Logger

	// OnValidationError, when set, observes envelopes that failed structural
	// validation before being dropped.
	OnValidationError func(evt events.Envelope, err error)

	mu      sync.Mutex
	subs    []routedSubscription
	started bool
}

func NewSubscriber(bus StreamSubscriber, logger *slog.Logger) *Subscriber {
	return &Subscriber{bus: bus, logger: logger}
}

// On registers a handler for one exact event type.
func (s *Subscriber) On(eventType string, handler TypedHandler, opts ...SubscribeOption) error {
	return s.OnMultiple([]string{eventType}, handler, opts...)
}

// OnDomain registers a handler for every event type in a domain.
func (s *Subscriber) OnDomain(domain string, handler TypedHandler, opts ...SubscribeOption) error {
	return s.OnMultiple([]string{domain + ".*"}, handler, opts...)
}

// OnMultiple registers one handler for several patterns (exact types, domain
// wildcards, or "*").
func (s *Subscriber) OnMultiple(patterns []string, handler TypedHandler, opts ...SubscribeOption) error {
	if len(patterns) == 0 {
		return fmt.Errorf("subscriber: at least one pattern is required")
	}
	if handler == nil {
		return fmt.Errorf("subscriber: handler is required")
	}

	sub := routedSubscription{handler: handler}
	for _, p := range patterns {
		sub.matchers = append(sub.matchers, ParseMatcher(p))
	}
	for _, opt := range opts {
		opt(&sub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("subscriber: registrations are closed after Start")
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Start computes the union of distinct patterns across every registration
// and subscribes once with the bus. No further registrations are accepted.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("subscriber: already started")
	}
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("subscriber: no subscriptions registered")
	}
	s.started = true

	seen := make(map[string]struct{})
	var patterns []string
	for _, sub := range s.subs {
		for _, m := range sub.matchers {
			if _, dup := seen[m.String()]; dup {
				continue
			}
			seen[m.String()] = struct{}{}
			patterns = append(patterns, m.String())
		}
	}
	s.mu.Unlock()

	return s.bus.Subscribe(ctx, patterns, s.dispatch)
}

// Stop shuts the underlying bus down.
func (s *Subscriber) Stop() error {
	return s.bus.Close()
}

// dispatch is the wrapped handler registered with the bus.
func (s *Subscriber) dispatch(ctx context.Context, evt events.Envelope) error {
	// Structural defects can never be fixed by redelivery; report and drop
	// without entering the bus's retry path.
	if err := events.Validate(evt); err != nil {
		s.logger.Warn("dropping structurally invalid envelope", "id", evt.ID, "type", evt.Type, "err", err)
		if s.OnValidationError != nil {
			s.OnValidationError(evt, err)
		}
		return nil
	}

	hctx := HandlerContext{
		CorrelationID: evt.CorrelationID,
		CausationID:   evt.CausationID,
		Metadata:      evt.Metadata,
		QLID:          evt.QLID,
	}

	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()

	for i := range subs {
		sub := &subs[i]
		if !matchesAny(sub.matchers, evt.Type) {
			continue
		}

		if sub.validate != nil {
			if err := sub.validate(evt.Data); err != nil {
				verr := fmt.Errorf("payload validation for %s: %w", evt.Type, err)
				if sub.onError != nil {
					sub.onError(evt, verr)
				}
				if sub.skipOnValidation {
					s.logger.Warn("payload validation failed, skipping subscription",
						"id", evt.ID, "type", evt.Type, "err", err)
					continue
				}
				return verr
			}
		}

		if err := sub.handler(ctx, evt, hctx); err != nil {
			if sub.onError != nil {
				sub.onError(evt, err)
			}
			return err
		}
	}
	return nil
}

func matchesAny(matchers []Matcher, eventType string) bool {
	for _, m := range matchers {
		if m.Matches(eventType) {
			return true
		}
	}
	return false
}
