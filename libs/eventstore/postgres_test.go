package eventstore

import (
	"context"
	"os"
	"testing"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/db"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// Needs a running Postgres; skips unless DATABASE_URL is set.
func newTestStore(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	pool, err := db.Open(context.Background(), url)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewPostgres(pool)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestPostgres_AppendAndBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	factory := events.NewFactory("eventstore-test", events.ModeDevelopment)

	evt, err := factory.New(events.Options{Type: "item.created", QLID: "QL-1"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	id, err := store.Append(ctx, evt)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive sequence id, got %d", id)
	}

	// Duplicate event ids must be rejected by the unique constraint.
	if _, err := store.Append(ctx, evt); err == nil {
		t.Fatal("expected duplicate append to fail")
	}

	var batch []events.Envelope
	for i := 0; i < 3; i++ {
		e, err := factory.New(events.Options{Type: "order.created"})
		if err != nil {
			t.Fatalf("build event: %v", err)
		}
		batch = append(batch, e)
	}
	ids, err := store.AppendBatch(ctx, batch)
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 sequence ids, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("sequence ids must increase: %v", ids)
		}
	}
}
