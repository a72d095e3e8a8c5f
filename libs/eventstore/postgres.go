// Package eventstore provides the durable append-only event log the
// publisher writes through before forwarding to the bus.
package eventstore

import (
	"context"
	"fmt"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/db"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// Postgres appends envelopes to the event_log table. Appends return only
// after commit, so a returned sequence id means the event is durable.
type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the event_log table when it does not exist yet.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_log (
			id             BIGSERIAL PRIMARY KEY,
			event_id       TEXT NOT NULL UNIQUE,
			event_type     TEXT NOT NULL,
			source         TEXT NOT NULL,
			qlid           TEXT,
			correlation_id TEXT NOT NULL,
			envelope       JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("eventstore: ensure schema: %w", err)
	}
	return nil
}

// Append stores one envelope and returns its sequence id.
func (s *Postgres) Append(ctx context.Context, evt events.Envelope) (int64, error) {
	raw, err := evt.Marshal()
	if err != nil {
		return 0, fmt.Errorf("eventstore: encode event %s: %w", evt.ID, err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO event_log (event_id, event_type, source, qlid, correlation_id, envelope)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, evt.ID, evt.Type, evt.Source, evt.QLID, evt.CorrelationID, raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("eventstore: append %s: %w", evt.Type, err)
	}
	return id, nil
}

// AppendBatch stores every envelope in one transaction, so a batch is
// either fully durable or not stored at all.
func (s *Postgres) AppendBatch(ctx context.Context, evts []events.Envelope) ([]int64, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]int64, 0, len(evts))
	for _, evt := range evts {
		raw, err := evt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("eventstore: encode event %s: %w", evt.ID, err)
		}
		var id int64
		err = tx.QueryRow(ctx, `
			INSERT INTO event_log (event_id, event_type, source, qlid, correlation_id, envelope)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, evt.ID, evt.Type, evt.Source, evt.QLID, evt.CorrelationID, raw).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("eventstore: append %s in batch: %w", evt.Type, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("eventstore: commit batch: %w", err)
	}
	return ids, nil
}
