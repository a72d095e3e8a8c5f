package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
	otelx "github.com/Quicklotz/QuickRefurbz-sub003/libs/otel"
)

// consumeLoop drives one stream: a reclaim pass for abandoned pending
// entries, then a blocking read for fresh ones, until its context is
// cancelled. Transient transport errors are reported and retried after the
// configured delay; the loop never exits on them.
func (b *Bus) consumeLoop(ctx context.Context, stream string) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := b.reclaimPending(ctx, stream); err != nil && ctx.Err() == nil {
			b.logger.Error("pending reclaim failed", "stream", stream, "err", err)
			b.cfg.Hooks.readError(ctx, stream, err)
		}

		res, err := b.sub.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.identity.Group,
			Consumer: b.identity.Consumer,
			Streams:  []string{stream, ">"},
			Count:    readBatchSize,
			Block:    b.cfg.BlockTime,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Block timeout with no data; go around again.
			if errors.Is(err, redis.Nil) {
				continue
			}
			b.logger.Error("stream read error", "stream", stream, "err", err)
			b.cfg.Hooks.readError(ctx, stream, err)
			if !sleep(ctx, b.cfg.ReadRetryDelay) {
				return
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				// First delivery; redeliveries come through the reclaim pass
				// with their real delivery count.
				b.processMessage(ctx, stream, msg, 1)
			}
		}
	}
}

// reclaimPending claims pending entries that have sat idle past the claim
// threshold (abandoned by a crashed or stalled consumer in this group) and
// runs them through normal processing under this consumer's name.
func (b *Bus) reclaimPending(ctx context.Context, stream string) error {
	pending, err := b.sub.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.identity.Group,
		Start:  "-",
		End:    "+",
		Count:  pendingBatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// The claim below increments each entry's delivery counter, so this
	// redelivery is one past the count the pending list reports.
	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount + 1
	}

	// Claim is atomic per entry: entries another consumer touched within the
	// idle threshold come back empty and are skipped.
	claimed, err := b.sub.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    b.identity.Group,
		Consumer: b.identity.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, msg := range claimed {
		b.processMessage(ctx, stream, msg, deliveries[msg.ID])
	}
	return nil
}

// processMessage is shared by the live and reclaim passes. It acknowledges
// and drops malformed or unrouted messages, runs every matching handler in
// registration order, and on failure either leaves the entry pending or
// dead-letters it once the delivery budget is spent.
func (b *Bus) processMessage(ctx context.Context, stream string, msg redis.XMessage, delivery int64) {
	raw, rawOK := msg.Values["event"].(string)
	eventType, typeOK := msg.Values["type"].(string)
	if !rawOK || !typeOK || raw == "" || eventType == "" {
		b.dropMessage(ctx, stream, msg.ID, DropMalformed)
		return
	}
	evt, err := events.Unmarshal([]byte(raw))
	if err != nil {
		b.logger.Warn("dropping undecodable message", "stream", stream, "id", msg.ID, "err", err)
		b.dropMessage(ctx, stream, msg.ID, DropMalformed)
		return
	}

	b.mu.Lock()
	handlers := b.matchingHandlers(eventType)
	b.mu.Unlock()
	if len(handlers) == 0 {
		b.dropMessage(ctx, stream, msg.ID, DropNoSubscriber)
		return
	}

	msgCtx := otelx.ContextWithTraceContext(ctx, evt.Metadata.Traceparent, evt.Metadata.Tracestate)
	msgCtx, span := otel.Tracer("eventbus").Start(msgCtx, "eventbus.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "redis-streams"),
			attribute.String("messaging.destination", stream),
			attribute.String("event.type", eventType),
			attribute.Int64("event.delivery", delivery),
		),
	)
	defer span.End()

	var handlerErr error
	for _, h := range handlers {
		if handlerErr = h(msgCtx, evt); handlerErr != nil {
			break
		}
	}

	if handlerErr == nil {
		b.ack(ctx, stream, msg.ID)
		return
	}
	span.RecordError(handlerErr)

	if delivery >= int64(b.cfg.MaxDeliveries) {
		b.logger.Error("dead-lettering message",
			"stream", stream, "id", msg.ID, "type", eventType,
			"deliveries", delivery, "err", handlerErr)
		if err := b.writeDeadLetter(ctx, stream, msg.ID, raw, handlerErr); err != nil {
			// Leave the entry pending so the failure is retried rather than
			// lost; a later reclaim pass dead-letters it again.
			b.logger.Error("dead-letter write failed", "stream", stream, "id", msg.ID, "err", err)
			b.cfg.Hooks.readError(ctx, stream, err)
			return
		}
		b.ack(ctx, stream, msg.ID)
		b.cfg.Hooks.deadLetter(ctx, evt, handlerErr)
		return
	}

	// Under budget: leave unacknowledged. The entry stays in the pending
	// list and a future reclaim pass redelivers it.
	b.logger.Warn("handler failed, message left pending",
		"stream", stream, "id", msg.ID, "type", eventType,
		"delivery", delivery, "err", handlerErr)
	b.cfg.Hooks.handlerError(ctx, evt, handlerErr)
}

func (b *Bus) dropMessage(ctx context.Context, stream, id string, reason DropReason) {
	if reason == DropNoSubscriber {
		b.logger.Warn("no subscriber for message, dropping", "stream", stream, "id", id)
	} else {
		b.logger.Warn("malformed message, dropping", "stream", stream, "id", id)
	}
	b.ack(ctx, stream, id)
	b.cfg.Hooks.dropped(ctx, stream, id, reason)
}

func (b *Bus) ack(ctx context.Context, stream, id string) {
	if err := b.sub.XAck(ctx, stream, b.identity.Group, id).Err(); err != nil && ctx.Err() == nil {
		b.logger.Error("ack failed", "stream", stream, "id", id, "err", err)
		b.cfg.Hooks.readError(ctx, stream, err)
	}
}

// sleep waits for d, returning false when the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
