package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/registry"
)

const ingestionConsumerName = "ingestion-runner"

// Envelope is a decoded dispatch message.
type Envelope struct {
	EventID       string
	Version       int
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	OccurredAt    time.Time
	Payload       json.RawMessage
}

type jobRunner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

type idempotencyGuard interface {
	Guard(ctx context.Context, consumer string, eventID uuid.UUID, keep func(error) bool, fn func(context.Context) error) error
}

// Service consumes ingestion dispatch messages from Pub/Sub and runs the jobs
// they name, honoring Redis idempotency.
type Service struct {
	subscription *gcppubsub.Subscriber
	runner       jobRunner
	manager      idempotencyGuard
	decoders     *registry.DecoderSet
	logg         *logger.Logger
}

func NewService(subscription *gcppubsub.Subscriber, runner jobRunner, manager idempotencyGuard, logg *logger.Logger) (*Service, error) {
	if subscription == nil {
		return nil, errors.New("ingestion subscription is required")
	}
	if runner == nil {
		return nil, errors.New("job runner is required")
	}
	if manager == nil {
		return nil, errors.New("idempotency manager is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		subscription: subscription,
		runner:       runner,
		manager:      manager,
		decoders:     registry.ConsumerDecoders(),
		logg:         logg,
	}, nil
}

type processResult struct {
	nack bool
}

// Run consumes messages until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if s.process(innerCtx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) processResult {
	fields := map[string]any{"message_id": msg.ID}
	logCtx := s.logg.WithFields(ctx, fields)

	envelope, err := buildEnvelope(msg)
	if err != nil {
		fields["error"] = err.Error()
		s.logg.Warn(s.logg.WithFields(ctx, fields), "invalid ingestion envelope")
		return processResult{}
	}
	fields["event_id"] = envelope.EventID
	fields["event_type"] = envelope.EventType
	fields["aggregate_id"] = envelope.AggregateID
	logCtx = s.logg.WithFields(ctx, fields)

	if envelope.EventType != enums.EventIngestionJobQueued {
		s.logg.Info(logCtx, "event not handled by ingestion worker")
		return processResult{}
	}

	decoded, err := s.decoders.Decode(envelope.EventType, envelope.Version, envelope.Payload)
	event, ok := decoded.(*payloads.IngestionJobQueuedEvent)
	if err != nil || !ok || event.JobID == uuid.Nil {
		s.logg.Warn(s.logg.WithField(logCtx, "version", envelope.Version), "invalid ingestion job payload")
		return processResult{}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		s.logg.Warn(logCtx, "invalid event id")
		return processResult{}
	}

	err = s.manager.Guard(logCtx, ingestionConsumerName, eventID, terminal, func(ctx context.Context) error {
		return s.runner.Run(ctx, event.JobID)
	})
	switch {
	case err == nil:
		s.logg.Info(logCtx, "ingestion job handled")
		return processResult{}
	case errors.Is(err, idempotency.ErrDuplicate):
		s.logg.Info(logCtx, "event already processed")
		return processResult{}
	case terminal(err):
		// Redelivery cannot change the outcome; a FAILED job stays FAILED.
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "ingestion job not runnable")
		return processResult{}
	default:
		s.logg.Error(logCtx, "ingestion job error", err)
		return processResult{nack: true}
	}
}

// terminal reports run errors that redelivery cannot fix.
func terminal(err error) bool {
	return errors.Is(err, ingestion.ErrAlreadyClaimed) || !pkgerrors.Retryable(err)
}

func buildEnvelope(msg *gcppubsub.Message) (*Envelope, error) {
	stored, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil && !errors.Is(err, outbox.ErrNoEventID) {
		return nil, err
	}

	eventType, err := enums.ParseOutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	if err != nil {
		return nil, fmt.Errorf("event_type: %w", err)
	}
	aggregateType, err := enums.ParseOutboxAggregateType(strings.TrimSpace(msg.Attributes["aggregate_type"]))
	if err != nil {
		return nil, fmt.Errorf("aggregate_type: %w", err)
	}
	aggregateID := strings.TrimSpace(msg.Attributes["aggregate_id"])
	if aggregateID == "" {
		return nil, errors.New("aggregate_id missing")
	}

	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		if created := strings.TrimSpace(msg.Attributes["created_at"]); created != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
				occurredAt = parsed
			}
		}
	}

	eventID := strings.TrimSpace(stored.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(msg.Attributes["event_id"])
	}
	if eventID == "" {
		return nil, errors.New("event_id missing")
	}

	return &Envelope{
		EventID:       eventID,
		Version:       stored.Version,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    occurredAt.UTC(),
		Payload:       stored.Data,
	}, nil
}
