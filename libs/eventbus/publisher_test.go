package eventbus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

type fakePublisherBus struct {
	published []events.Envelope
	fail      error
}

func (f *fakePublisherBus) Publish(_ context.Context, evt events.Envelope) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.published = append(f.published, evt)
	return fmt.Sprintf("0-%d", len(f.published)), nil
}

func (f *fakePublisherBus) PublishBatch(_ context.Context, evts []events.Envelope) ([]string, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	ids := make([]string, len(evts))
	for i, evt := range evts {
		f.published = append(f.published, evt)
		ids[i] = fmt.Sprintf("0-%d", len(f.published))
	}
	return ids, nil
}

type fakeStore struct {
	appended []events.Envelope
	fail     error
	seq      int64
}

func (f *fakeStore) Append(_ context.Context, evt events.Envelope) (int64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.appended = append(f.appended, evt)
	f.seq++
	return f.seq, nil
}

func (f *fakeStore) AppendBatch(_ context.Context, evts []events.Envelope) ([]int64, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	ids := make([]int64, len(evts))
	for i, evt := range evts {
		f.appended = append(f.appended, evt)
		f.seq++
		ids[i] = f.seq
	}
	return ids, nil
}

func newTestPublisher(bus StreamPublisher, store Store, storeFirst bool) *Publisher {
	factory := events.NewFactory("intake-service", events.ModeDevelopment)
	return NewPublisher(factory, bus, store, testLogger(), PublisherConfig{
		DefaultWarehouseID: "WH-1",
		StoreBeforePublish: storeFirst,
	})
}

func TestPublisher_PublishDefaults(t *testing.T) {
	bus := &fakePublisherBus{}
	pub := newTestPublisher(bus, nil, false)

	evt, err := pub.Publish(context.Background(), events.Options{Type: "item.created"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt.Source != "intake-service" {
		t.Fatalf("expected configured service as source, got %q", evt.Source)
	}
	if evt.Metadata.WarehouseID != "WH-1" {
		t.Fatalf("expected default warehouse, got %q", evt.Metadata.WarehouseID)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(bus.published))
	}
}

func TestPublisher_StoreBeforePublishFailClosed(t *testing.T) {
	bus := &fakePublisherBus{}
	store := &fakeStore{fail: errors.New("store down")}
	pub := newTestPublisher(bus, store, true)

	if _, err := pub.Publish(context.Background(), events.Options{Type: "item.created"}); err == nil {
		t.Fatal("store failure must fail the publish")
	}
	if len(bus.published) != 0 {
		t.Fatal("event must never reach the bus when the store append fails")
	}

	store.fail = nil
	if _, err := pub.Publish(context.Background(), events.Options{Type: "item.created"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(store.appended) != 1 || len(bus.published) != 1 {
		t.Fatalf("expected store then publish, got store=%d bus=%d", len(store.appended), len(bus.published))
	}
}

func TestPublisher_PublishBatchStoresAllThenPublishesAll(t *testing.T) {
	bus := &fakePublisherBus{}
	store := &fakeStore{}
	pub := newTestPublisher(bus, store, true)

	opts := []events.Options{
		{Type: "item.created"},
		{Type: "order.created"},
		{Type: "item.listed"},
	}
	evts, err := pub.PublishBatch(context.Background(), opts)
	if err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if len(evts) != 3 || len(store.appended) != 3 || len(bus.published) != 3 {
		t.Fatalf("expected 3 everywhere, got evts=%d store=%d bus=%d", len(evts), len(store.appended), len(bus.published))
	}
	for i := range evts {
		if bus.published[i].ID != evts[i].ID {
			t.Fatal("batch publish must preserve input order")
		}
	}
}

func TestPublisher_PublishCorrelated(t *testing.T) {
	bus := &fakePublisherBus{}
	pub := newTestPublisher(bus, nil, false)

	parent, err := pub.Publish(context.Background(), events.Options{Type: "order.created"})
	if err != nil {
		t.Fatalf("parent publish: %v", err)
	}
	child, err := pub.PublishCorrelated(context.Background(), events.Options{Type: "order.allocated"}, parent)
	if err != nil {
		t.Fatalf("child publish: %v", err)
	}
	if child.CorrelationID != parent.CorrelationID {
		t.Fatal("child must share the parent's saga")
	}
	if child.CausationID != parent.ID {
		t.Fatal("child causation must be the parent id")
	}

	// A parent that predates correlation ids roots the saga at its own id,
	// and publisher defaults still apply on this path.
	bare := events.Envelope{ID: "evt-root", Type: "order.created"}
	child, err = pub.PublishCorrelated(context.Background(), events.Options{Type: "order.allocated"}, bare)
	if err != nil {
		t.Fatalf("child publish: %v", err)
	}
	if child.CorrelationID != "evt-root" || child.CausationID != "evt-root" {
		t.Fatalf("saga must root at the parent id, got corr=%q cause=%q", child.CorrelationID, child.CausationID)
	}
	if child.Metadata.WarehouseID != "WH-1" {
		t.Fatalf("correlated publish must keep metadata defaults, got %q", child.Metadata.WarehouseID)
	}
}

func TestPublisher_ConvenienceWrappers(t *testing.T) {
	bus := &fakePublisherBus{}
	pub := newTestPublisher(bus, nil, false)

	item, err := pub.PublishItemEvent(context.Background(), "identified", "QL-42", map[string]string{"upc": "012345"})
	if err != nil {
		t.Fatalf("item event: %v", err)
	}
	if item.Type != "item.identified" || item.QLID != "QL-42" || item.Subject != "QL-42" {
		t.Fatalf("unexpected item event shape: %+v", item)
	}

	order, err := pub.PublishOrderEvent(context.Background(), "shipped", "ORD-9", nil)
	if err != nil {
		t.Fatalf("order event: %v", err)
	}
	if order.Type != "order.shipped" || order.Subject != "ORD-9" {
		t.Fatalf("unexpected order event shape: %+v", order)
	}
}
