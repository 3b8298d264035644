package registry

import (
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/payloads"
)

// Decoder turns one version of one event type's data into a typed payload.
type Decoder struct {
	EventType enums.OutboxEventType
	Version   int
	decode    func(json.RawMessage) (any, error)
}

// Decodes builds a Decoder that unmarshals into a fresh *T.
func Decodes[T any](eventType enums.OutboxEventType, version int) Decoder {
	return Decoder{
		EventType: eventType,
		Version:   version,
		decode: func(data json.RawMessage) (any, error) {
			out := new(T)
			if err := json.Unmarshal(data, out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

// DecoderSet is read-only after construction, so consumers share it freely.
type DecoderSet struct {
	byKey map[decoderKey]Decoder
}

// NewDecoderSet panics on duplicate registrations; the set is wired at
// startup from literals.
func NewDecoderSet(decoders ...Decoder) *DecoderSet {
	set := &DecoderSet{byKey: make(map[decoderKey]Decoder, len(decoders))}
	for _, d := range decoders {
		key := decoderKey{d.EventType, d.Version}
		if _, dup := set.byKey[key]; dup {
			panic(fmt.Sprintf("decoder for %s@v%d registered twice", d.EventType, d.Version))
		}
		set.byKey[key] = d
	}
	return set
}

// ConsumerDecoders covers every event version currently emitted.
func ConsumerDecoders() *DecoderSet {
	return NewDecoderSet(
		Decodes[payloads.IngestionJobQueuedEvent](enums.EventIngestionJobQueued, 1),
		Decodes[payloads.JobEventAppendedEvent](enums.EventJobEventAppended, 1),
	)
}

// Decode returns the typed payload for the event type and version. Unknown
// pairs are NonRetryableError: redelivery will not teach us the schema.
func (s *DecoderSet) Decode(eventType enums.OutboxEventType, version int, data json.RawMessage) (any, error) {
	d, ok := s.byKey[decoderKey{eventType, version}]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("no decoder for %s@v%d", eventType, version))
	}
	out, err := d.decode(data)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s@v%d: %w", eventType, version, err))
	}
	return out, nil
}
