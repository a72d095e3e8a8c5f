package eventbus

import (
	"context"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// DropReason says why the bus acknowledged a message without running any
// handler. Malformed entries can never succeed; no-subscriber drops usually
// mean misconfigured routing, so the two are reported distinctly.
type DropReason string

const (
	DropMalformed    DropReason = "malformed"
	DropNoSubscriber DropReason = "no_subscriber"
)

// Hooks are optional observer callbacks invoked from the consume loops.
// Nil hooks are skipped. They replace hidden event-emitter side channels
// with an explicit registration point for metrics and tests.
type Hooks struct {
	// OnReadError fires on transient transport failures in a consume loop.
	// The loop retries after its configured delay; it never exits on these.
	OnReadError func(ctx context.Context, stream string, err error)

	// OnHandlerError fires when a handler fails and the message stays
	// pending for a future redelivery.
	OnHandlerError func(ctx context.Context, evt events.Envelope, err error)

	// OnDeadLetter fires after a message exhausts its delivery budget and
	// is written to the dead-letter stream.
	OnDeadLetter func(ctx context.Context, evt events.Envelope, err error)

	// OnDropped fires when a message is acknowledged without handler
	// invocations.
	OnDropped func(ctx context.Context, stream, messageID string, reason DropReason)
}

func (h Hooks) readError(ctx context.Context, stream string, err error) {
	if h.OnReadError != nil {
		h.OnReadError(ctx, stream, err)
	}
}

func (h Hooks) handlerError(ctx context.Context, evt events.Envelope, err error) {
	if h.OnHandlerError != nil {
		h.OnHandlerError(ctx, evt, err)
	}
}

func (h Hooks) deadLetter(ctx context.Context, evt events.Envelope, err error) {
	if h.OnDeadLetter != nil {
		h.OnDeadLetter(ctx, evt, err)
	}
}

func (h Hooks) dropped(ctx context.Context, stream, messageID string, reason DropReason) {
	if h.OnDropped != nil {
		h.OnDropped(ctx, stream, messageID, reason)
	}
}
