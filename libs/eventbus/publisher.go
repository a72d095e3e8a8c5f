package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
	otelx "github.com/Quicklotz/QuickRefurbz-sub003/libs/otel"
)

// Store is the durable event store the publisher writes through before
// forwarding to the bus. Implementations must return only after the write is
// committed.
type Store interface {
	Append(ctx context.Context, evt events.Envelope) (int64, error)
	AppendBatch(ctx context.Context, evts []events.Envelope) ([]int64, error)
}

// StreamPublisher is the slice of the bus the Publisher needs; *Bus
// satisfies it.
type StreamPublisher interface {
	Publish(ctx context.Context, evt events.Envelope) (string, error)
	PublishBatch(ctx context.Context, evts []events.Envelope) ([]string, error)
}

// PublisherConfig configures the publishing façade.
type PublisherConfig struct {
	// DefaultWarehouseID is stamped into metadata when the caller supplies
	// none.
	DefaultWarehouseID string
	// StoreBeforePublish appends each envelope to the Store before it is
	// forwarded; a failed append fails the publish and the event is never
	// forwarded.
	StoreBeforePublish bool
}

// Publisher is the convenience layer over the factory and the bus: canonical
// envelope construction, optional store-first durability, and saga helpers.
type Publisher struct {
	factory *events.Factory
	bus     StreamPublisher
	store   Store
	logger  *slog.Logger
	cfg     PublisherConfig
}

func NewPublisher(factory *events.Factory, bus StreamPublisher, store Store, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.StoreBeforePublish && store == nil {
		cfg.StoreBeforePublish = false
	}
	return &Publisher{factory: factory, bus: bus, store: store, logger: logger, cfg: cfg}
}

// withDefaults stamps the default warehouse and the caller's current trace
// context into the options so consumers join the same trace.
func (p *Publisher) withDefaults(ctx context.Context, opts events.Options) events.Options {
	if opts.Metadata.WarehouseID == "" {
		opts.Metadata.WarehouseID = p.cfg.DefaultWarehouseID
	}
	if opts.Metadata.Traceparent == "" {
		opts.Metadata.Traceparent, opts.Metadata.Tracestate = otelx.TraceContextStrings(ctx)
	}
	return opts
}

// build assembles the canonical envelope through the factory.
func (p *Publisher) build(ctx context.Context, opts events.Options) (events.Envelope, error) {
	return p.factory.New(p.withDefaults(ctx, opts))
}

// Publish builds and publishes one event, storing it first when configured.
func (p *Publisher) Publish(ctx context.Context, opts events.Options) (events.Envelope, error) {
	evt, err := p.build(ctx, opts)
	if err != nil {
		return events.Envelope{}, err
	}
	if err := p.forward(ctx, evt); err != nil {
		return events.Envelope{}, err
	}
	return evt, nil
}

// PublishCorrelated publishes an event continuing the parent's saga. The
// correlation and causation rules live in the factory.
func (p *Publisher) PublishCorrelated(ctx context.Context, opts events.Options, parent events.Envelope) (events.Envelope, error) {
	evt, err := p.factory.NewCorrelated(p.withDefaults(ctx, opts), parent)
	if err != nil {
		return events.Envelope{}, err
	}
	if err := p.forward(ctx, evt); err != nil {
		return events.Envelope{}, err
	}
	return evt, nil
}

// PublishBatch builds every envelope, stores them all, then publishes them
// all. A store failure aborts before anything is forwarded.
func (p *Publisher) PublishBatch(ctx context.Context, optsList []events.Options) ([]events.Envelope, error) {
	if len(optsList) == 0 {
		return nil, nil
	}
	evts := make([]events.Envelope, 0, len(optsList))
	for _, opts := range optsList {
		evt, err := p.build(ctx, opts)
		if err != nil {
			return nil, err
		}
		evts = append(evts, evt)
	}

	if p.cfg.StoreBeforePublish {
		if _, err := p.store.AppendBatch(ctx, evts); err != nil {
			return nil, fmt.Errorf("store batch before publish: %w", err)
		}
	}
	if _, err := p.bus.PublishBatch(ctx, evts); err != nil {
		return nil, err
	}
	return evts, nil
}

// PublishItemEvent publishes an item-domain event keyed by the unit's QLID.
func (p *Publisher) PublishItemEvent(ctx context.Context, action, qlid string, data any) (events.Envelope, error) {
	return p.Publish(ctx, events.Options{
		Type:    "item." + action,
		Subject: qlid,
		QLID:    qlid,
		Data:    data,
	})
}

// PublishOrderEvent publishes an order-domain event keyed by the order id.
func (p *Publisher) PublishOrderEvent(ctx context.Context, action, orderID string, data any) (events.Envelope, error) {
	return p.Publish(ctx, events.Options{
		Type:    "order." + action,
		Subject: orderID,
		Data:    data,
	})
}

func (p *Publisher) forward(ctx context.Context, evt events.Envelope) error {
	if p.cfg.StoreBeforePublish {
		if _, err := p.store.Append(ctx, evt); err != nil {
			return fmt.Errorf("store before publish: %w", err)
		}
	}
	id, err := p.bus.Publish(ctx, evt)
	if err != nil {
		return err
	}
	p.logger.Debug("event published", "type", evt.Type, "event_id", evt.ID, "message_id", id)
	return nil
}
