package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode is the runtime mode stamped into metadata as the environment.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeStaging     Mode = "staging"
	ModeDevelopment Mode = "development"
)

// Factory builds envelopes for one publishing service. The mode is injected
// at construction so envelope construction never reads ambient process state.
type Factory struct {
	Source string
	Mode   Mode
}

func NewFactory(source string, mode Mode) *Factory {
	if mode == "" {
		mode = ModeDevelopment
	}
	return &Factory{Source: source, Mode: mode}
}

// Options describes the caller-supplied parts of a new envelope. Zero-value
// fields get factory defaults.
type Options struct {
	Type          string
	Source        string
	Subject       string
	QLID          string
	CorrelationID string
	CausationID   string
	Version       int
	Data          any
	Metadata      Metadata
}

// New builds an envelope with a fresh id and timestamp. The caller's
// metadata is deep-copied over the defaults, so overrides win but defaults
// fill anything left zero.
func (f *Factory) New(opts Options) (Envelope, error) {
	if opts.Type == "" {
		return Envelope{}, fmt.Errorf("event type is required")
	}

	var data json.RawMessage
	switch d := opts.Data.(type) {
	case nil:
	case json.RawMessage:
		data = d
	case []byte:
		data = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", opts.Type, err)
		}
		data = b
	}

	source := opts.Source
	if source == "" {
		source = f.Source
	}
	version := opts.Version
	if version == 0 {
		version = 1
	}

	meta := opts.Metadata.clone()
	if meta.Environment == "" {
		meta.Environment = string(f.Mode)
	}

	id := uuid.NewString()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = id
	}

	return Envelope{
		ID:            id,
		Type:          opts.Type,
		Source:        source,
		Time:          time.Now().UTC(),
		SpecVersion:   SpecVersion,
		Subject:       opts.Subject,
		QLID:          opts.QLID,
		CorrelationID: correlationID,
		CausationID:   opts.CausationID,
		Version:       version,
		Data:          data,
		Metadata:      meta,
	}, nil
}

// NewCorrelated builds an envelope that continues the parent's saga: the
// correlation id is inherited (falling back to the parent's own id when the
// parent is a root event) and the causation id points at the parent.
func (f *Factory) NewCorrelated(opts Options, parent Envelope) (Envelope, error) {
	opts.CorrelationID = parent.CorrelationID
	if opts.CorrelationID == "" {
		opts.CorrelationID = parent.ID
	}
	opts.CausationID = parent.ID
	return f.New(opts)
}

// NewRetry builds a fresh envelope for redelivering a logical event. The new
// envelope gets its own id and timestamp; the retry count increments and the
// first attempt's timestamp is preserved in metadata.
func (f *Factory) NewRetry(original Envelope) Envelope {
	retry := original
	retry.ID = uuid.NewString()
	retry.Time = time.Now().UTC()
	retry.Metadata = original.Metadata.clone()
	retry.Metadata.RetryCount = original.Metadata.RetryCount + 1
	if retry.Metadata.OriginalTimestamp == "" {
		retry.Metadata.OriginalTimestamp = original.Time.Format(time.RFC3339Nano)
	}
	return retry
}
