package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFactory_New_Defaults(t *testing.T) {
	f := NewFactory("intake-service", ModeStaging)

	evt, err := f.New(Options{
		Type: "item.created",
		Data: map[string]string{"qlid": "QL-100"},
	})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	if evt.ID == "" {
		t.Fatal("expected generated id")
	}
	if evt.Source != "intake-service" {
		t.Fatalf("expected factory source, got %q", evt.Source)
	}
	if evt.SpecVersion != SpecVersion {
		t.Fatalf("unexpected specversion %q", evt.SpecVersion)
	}
	if evt.Version != 1 {
		t.Fatalf("expected default version 1, got %d", evt.Version)
	}
	if evt.CorrelationID != evt.ID {
		t.Fatalf("root event correlation id should equal its own id, got %q vs %q", evt.CorrelationID, evt.ID)
	}
	if evt.CausationID != "" {
		t.Fatalf("root event should have no causation id, got %q", evt.CausationID)
	}
	if evt.Metadata.RetryCount != 0 {
		t.Fatalf("expected retry count 0, got %d", evt.Metadata.RetryCount)
	}
	if evt.Metadata.Environment != "staging" {
		t.Fatalf("expected environment staging, got %q", evt.Metadata.Environment)
	}

	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["qlid"] != "QL-100" {
		t.Fatalf("payload round trip lost data: %v", payload)
	}
}

func TestDecode(t *testing.T) {
	f := NewFactory("intake-service", ModeDevelopment)

	type itemPayload struct {
		QLID string `json:"qlid"`
		UPC  string `json:"upc"`
	}
	evt, err := f.New(Options{Type: "item.created", Data: itemPayload{QLID: "QL-3", UPC: "036000291452"}})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	got, err := Decode[itemPayload](evt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.QLID != "QL-3" || got.UPC != "036000291452" {
		t.Fatalf("decoded payload wrong: %+v", got)
	}

	if _, err := Decode[itemPayload](Envelope{ID: "evt-1"}); err == nil {
		t.Fatal("decoding an empty payload must fail")
	}
}

func TestFactory_New_RequiresType(t *testing.T) {
	f := NewFactory("intake-service", ModeDevelopment)
	if _, err := f.New(Options{}); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestFactory_New_MetadataOverridesKept(t *testing.T) {
	f := NewFactory("intake-service", ModeProduction)

	extra := map[string]any{"pallet": "P-9"}
	evt, err := f.New(Options{
		Type:     "item.created",
		Metadata: Metadata{Environment: "staging", Extra: extra},
	})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if evt.Metadata.Environment != "staging" {
		t.Fatalf("caller environment override discarded, got %q", evt.Metadata.Environment)
	}

	// The envelope must own its own copy of the extras.
	extra["pallet"] = "P-10"
	if evt.Metadata.Extra["pallet"] != "P-9" {
		t.Fatal("metadata extras were not deep-copied")
	}
}

func TestFactory_NewCorrelated(t *testing.T) {
	f := NewFactory("intake-service", ModeDevelopment)

	root, err := f.New(Options{Type: "order.created"})
	if err != nil {
		t.Fatalf("root event: %v", err)
	}
	child, err := f.NewCorrelated(Options{Type: "order.allocated"}, root)
	if err != nil {
		t.Fatalf("child event: %v", err)
	}
	if child.CorrelationID != root.CorrelationID {
		t.Fatalf("child must share the saga correlation id, got %q vs %q", child.CorrelationID, root.CorrelationID)
	}
	if child.CausationID != root.ID {
		t.Fatalf("child causation must be the parent id, got %q vs %q", child.CausationID, root.ID)
	}

	// A parent without an established correlation id falls back to its own id.
	orphan := Envelope{ID: "evt-1", Type: "order.created"}
	grand, err := f.NewCorrelated(Options{Type: "order.shipped"}, orphan)
	if err != nil {
		t.Fatalf("correlated event: %v", err)
	}
	if grand.CorrelationID != "evt-1" {
		t.Fatalf("expected fallback to parent id, got %q", grand.CorrelationID)
	}
}

func TestFactory_NewRetry(t *testing.T) {
	f := NewFactory("intake-service", ModeDevelopment)

	original, err := f.New(Options{Type: "item.identified"})
	if err != nil {
		t.Fatalf("original event: %v", err)
	}

	first := f.NewRetry(original)
	if first.ID == original.ID {
		t.Fatal("retry must get a fresh id")
	}
	if first.Metadata.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", first.Metadata.RetryCount)
	}
	want := original.Time.Format(time.RFC3339Nano)
	if first.Metadata.OriginalTimestamp != want {
		t.Fatalf("expected original timestamp %q, got %q", want, first.Metadata.OriginalTimestamp)
	}
	if first.CorrelationID != original.CorrelationID {
		t.Fatal("retry must stay in the same saga")
	}

	second := f.NewRetry(first)
	if second.Metadata.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", second.Metadata.RetryCount)
	}
	if second.Metadata.OriginalTimestamp != want {
		t.Fatal("original timestamp must survive later retries unchanged")
	}
}
