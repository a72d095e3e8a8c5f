// Package eventbus implements the durable at-least-once event bus on Redis
// Streams: one stream per event domain, consumer-group fan-out, pending-entry
// reclaim, and per-stream dead-letter queues. The Subscriber and Publisher
// types in this package are the façades services actually use.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// Handler is the low-level per-message callback registered with Subscribe.
// A returned error leaves the message pending for redelivery (or dead-letters
// it once the delivery budget is spent).
type Handler func(ctx context.Context, evt events.Envelope) error

// Identity names this process inside a consumer group. The group is shared
// by every instance of a service; the consumer name is unique per process
// lifetime, so a restarted process shows up as a new consumer and its
// abandoned pending entries become claimable by idle time.
type Identity struct {
	Group    string
	Consumer string
}

// NewIdentity derives the conventional identity for a service process.
func NewIdentity(serviceName string, pid int, startedAt time.Time) Identity {
	return Identity{
		Group:    serviceName + "-group",
		Consumer: fmt.Sprintf("%s-%d-%d", serviceName, pid, startedAt.UnixMilli()),
	}
}

// Config is the bus configuration surface. Zero values get defaults in New.
type Config struct {
	ServiceName string
	// StreamPrefix is prepended to the domain to form the stream key.
	StreamPrefix string
	// Identity overrides the derived consumer-group identity; used by tests
	// and by deployments that manage consumer naming themselves.
	Identity Identity
	// BlockTime bounds each blocking read, which also bounds shutdown.
	BlockTime time.Duration
	// MaxDeliveries is the delivery budget before a failing message is
	// dead-lettered.
	MaxDeliveries int
	// ReadRetryDelay is the pause after a transient read/claim error.
	ReadRetryDelay time.Duration
	// ClaimMinIdle is how long a pending entry must sit idle before the
	// reclaim pass may claim it for redelivery.
	ClaimMinIdle time.Duration
	// MaxStreamLen caps each stream with approximate trimming; oldest
	// entries are evicted first.
	MaxStreamLen int64

	Hooks Hooks
}

const (
	defaultStreamPrefix   = "qrz:stream:"
	defaultBlockTime      = 5 * time.Second
	defaultMaxDeliveries  = 3
	defaultReadRetryDelay = time.Second
	defaultClaimMinIdle   = 60 * time.Second
	defaultMaxStreamLen   = 100_000

	// pendingBatchSize bounds one reclaim pass.
	pendingBatchSize = 100
	// readBatchSize bounds one live read.
	readBatchSize = 10
)

type subscription struct {
	matchers []Matcher
	handler  Handler
}

// Bus is the Redis Streams event bus. It holds two clients: one for
// publishing and one dedicated to blocking reads and claims, so a blocked
// XREADGROUP never stalls an unrelated publish.
type Bus struct {
	pub      *redis.Client
	sub      *redis.Client
	registry *events.Registry
	logger   *slog.Logger
	cfg      Config
	identity Identity

	mu      sync.Mutex
	subs    []subscription
	loops   map[string]context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New builds a bus over the two Redis connections. The registry supplies the
// known domains used to expand universal-wildcard subscriptions.
func New(pub, sub *redis.Client, registry *events.Registry, logger *slog.Logger, cfg Config) (*Bus, error) {
	if pub == nil || sub == nil {
		return nil, fmt.Errorf("eventbus: both redis connections are required")
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("eventbus: service name is required")
	}
	if registry == nil {
		registry = events.DefaultRegistry()
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = defaultStreamPrefix
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = defaultBlockTime
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = defaultReadRetryDelay
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = defaultClaimMinIdle
	}
	if cfg.MaxStreamLen <= 0 {
		cfg.MaxStreamLen = defaultMaxStreamLen
	}
	identity := cfg.Identity
	if identity.Group == "" || identity.Consumer == "" {
		return nil, fmt.Errorf("eventbus: consumer identity is required")
	}

	return &Bus{
		pub:      pub,
		sub:      sub,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		identity: identity,
		loops:    make(map[string]context.CancelFunc),
		running:  true,
	}, nil
}

// StreamKey returns the stream an event type is routed to.
func (b *Bus) StreamKey(eventType string) string {
	return events.StreamKey(b.cfg.StreamPrefix, eventType)
}

// entryValues is the wire shape of one stream entry: the full serialized
// envelope plus denormalized scalars for cheap introspection.
func entryValues(evt events.Envelope, raw []byte) map[string]any {
	return map[string]any{
		"event":         string(raw),
		"type":          evt.Type,
		"source":        evt.Source,
		"time":          evt.Time.Format(time.RFC3339Nano),
		"qlid":          evt.QLID,
		"correlationId": evt.CorrelationID,
	}
}

// Publish appends the envelope to its domain stream and returns the assigned
// message id. It is not retried internally; callers wanting resilience wrap
// it with the retry package.
func (b *Bus) Publish(ctx context.Context, evt events.Envelope) (string, error) {
	if events.Domain(evt.Type) == events.UnknownDomain {
		return "", fmt.Errorf("eventbus: event type %q has no domain prefix", evt.Type)
	}
	raw, err := evt.Marshal()
	if err != nil {
		return "", fmt.Errorf("eventbus: encode event %s: %w", evt.ID, err)
	}

	id, err := b.pub.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(evt.Type),
		MaxLen: b.cfg.MaxStreamLen,
		Approx: true,
		Values: entryValues(evt, raw),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventbus: publish %s: %w", evt.Type, err)
	}
	return id, nil
}

// PublishBatch appends every envelope in one pipelined round trip, keeping
// the given order within each domain stream. If any append fails the whole
// batch fails; on success it returns one message id per input event.
func (b *Bus) PublishBatch(ctx context.Context, evts []events.Envelope) ([]string, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	pipe := b.pub.TxPipeline()
	cmds := make([]*redis.StringCmd, 0, len(evts))
	for _, evt := range evts {
		if events.Domain(evt.Type) == events.UnknownDomain {
			return nil, fmt.Errorf("eventbus: event type %q has no domain prefix", evt.Type)
		}
		raw, err := evt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("eventbus: encode event %s: %w", evt.ID, err)
		}
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.StreamKey(evt.Type),
			MaxLen: b.cfg.MaxStreamLen,
			Approx: true,
			Values: entryValues(evt, raw),
		}))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("eventbus: publish batch: %w", err)
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("eventbus: publish batch entry %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// Subscribe registers a handler for the given patterns, ensures a consumer
// group on every touched stream, and starts one consume loop per stream not
// already being consumed.
func (b *Bus) Subscribe(ctx context.Context, patterns []string, handler Handler) error {
	if len(patterns) == 0 {
		return fmt.Errorf("eventbus: at least one pattern is required")
	}
	if handler == nil {
		return fmt.Errorf("eventbus: handler is required")
	}

	matchers := make([]Matcher, 0, len(patterns))
	streams := make(map[string]struct{})
	for _, p := range patterns {
		m := ParseMatcher(p)
		matchers = append(matchers, m)
		for _, d := range m.domains(b.registry) {
			if d == events.UnknownDomain {
				return fmt.Errorf("eventbus: pattern %q has no domain prefix", p)
			}
			streams[b.cfg.StreamPrefix+d] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("eventbus: bus is shut down")
	}
	b.subs = append(b.subs, subscription{matchers: matchers, handler: handler})

	for stream := range streams {
		if err := b.ensureGroup(ctx, stream); err != nil {
			return err
		}
		if _, started := b.loops[stream]; started {
			continue
		}
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.loops[stream] = cancel
		b.wg.Add(1)
		go b.consumeLoop(loopCtx, stream)
	}
	return nil
}

// ensureGroup creates the consumer group, treating "already exists" as
// success.
func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	err := b.pub.XGroupCreateMkStream(ctx, stream, b.identity.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("eventbus: create group %s on %s: %w", b.identity.Group, stream, err)
	}
	return nil
}

// matchingHandlers returns the handlers interested in an event type, in
// registration order. Caller must hold b.mu.
func (b *Bus) matchingHandlers(eventType string) []Handler {
	var out []Handler
	for _, sub := range b.subs {
		for _, m := range sub.matchers {
			if m.Matches(eventType) {
				out = append(out, sub.handler)
				break
			}
		}
	}
	return out
}

// Close shuts the bus down: stops accepting work, cancels every consume loop,
// waits for in-flight messages to finish, then closes both connections.
// Idempotent, and safe to call before any Subscribe.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	for _, cancel := range b.loops {
		cancel()
	}
	b.loops = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	b.wg.Wait()

	var errs []error
	if err := b.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publish connection: %w", err))
	}
	if err := b.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscribe connection: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("eventbus: %v", errs)
	}
	return nil
}
