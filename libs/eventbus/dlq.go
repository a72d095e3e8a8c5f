package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// dlqSuffix is appended to a stream key to form its dead-letter stream.
const dlqSuffix = ":dlq"

// DeadLetter is one entry in a dead-letter stream: the envelope that
// exhausted its delivery budget plus full failure context for inspection and
// manual replay.
type DeadLetter struct {
	ID                string          `json:"id"`
	OriginalStreamKey string          `json:"originalStreamKey"`
	OriginalMessageID string          `json:"originalMessageId"`
	Event             events.Envelope `json:"event"`
	Error             string          `json:"error"`
	FailedAt          time.Time       `json:"failedAt"`
}

func (b *Bus) writeDeadLetter(ctx context.Context, stream, messageID, rawEvent string, cause error) error {
	return b.pub.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + dlqSuffix,
		MaxLen: b.cfg.MaxStreamLen,
		Approx: true,
		Values: map[string]any{
			"originalStreamKey": stream,
			"originalMessageId": messageID,
			"event":             rawEvent,
			"error":             cause.Error(),
			"failedAt":          time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

// DeadLetters returns up to limit entries from a domain's dead-letter
// stream, newest first.
func (b *Bus) DeadLetters(ctx context.Context, domain string, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	stream := b.cfg.StreamPrefix + domain + dlqSuffix
	msgs, err := b.pub.XRevRangeN(ctx, stream, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: read dead letters for %s: %w", domain, err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl, err := parseDeadLetter(msg)
		if err != nil {
			b.logger.Warn("skipping unparseable dead letter", "stream", stream, "id", msg.ID, "err", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReplayDeadLetter re-publishes a dead-lettered envelope as a retry event
// (fresh id, bumped retry count) and removes the dead-letter entry. The
// replayed event re-enters normal delivery on its original stream.
func (b *Bus) ReplayDeadLetter(ctx context.Context, factory *events.Factory, domain, deadLetterID string) (string, error) {
	stream := b.cfg.StreamPrefix + domain + dlqSuffix
	msgs, err := b.pub.XRange(ctx, stream, deadLetterID, deadLetterID).Result()
	if err != nil {
		return "", fmt.Errorf("eventbus: read dead letter %s: %w", deadLetterID, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("eventbus: dead letter %s not found in %s", deadLetterID, stream)
	}
	dl, err := parseDeadLetter(msgs[0])
	if err != nil {
		return "", fmt.Errorf("eventbus: parse dead letter %s: %w", deadLetterID, err)
	}

	id, err := b.Publish(ctx, factory.NewRetry(dl.Event))
	if err != nil {
		return "", err
	}
	if err := b.pub.XDel(ctx, stream, deadLetterID).Err(); err != nil {
		return "", fmt.Errorf("eventbus: remove replayed dead letter %s: %w", deadLetterID, err)
	}
	return id, nil
}

func parseDeadLetter(msg redis.XMessage) (DeadLetter, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok || raw == "" {
		return DeadLetter{}, fmt.Errorf("entry %s has no event field", msg.ID)
	}
	evt, err := events.Unmarshal([]byte(raw))
	if err != nil {
		return DeadLetter{}, err
	}

	dl := DeadLetter{ID: msg.ID, Event: evt}
	if v, ok := msg.Values["originalStreamKey"].(string); ok {
		dl.OriginalStreamKey = v
	}
	if v, ok := msg.Values["originalMessageId"].(string); ok {
		dl.OriginalMessageID = v
	}
	if v, ok := msg.Values["error"].(string); ok {
		dl.Error = v
	}
	if v, ok := msg.Values["failedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			dl.FailedAt = ts
		}
	}
	return dl, nil
}
