// Package jobevents is the append-only timeline shared by ingestion jobs and
// enrichment runs.
package jobevents

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultPageSize = 100

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// AppendInput describes one timeline entry.
type AppendInput struct {
	JobID      uuid.UUID
	OwnerID    uuid.UUID
	Kind       enums.JobKind
	Type       enums.JobEventType
	Payload    map[string]any
	OccurredAt time.Time
}

// Appender is the write side, used inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, tx *gorm.DB, in AppendInput) (*models.JobEvent, error)
}

// Service appends and reads job timelines.
type Service interface {
	Appender
	List(ctx context.Context, jobID uuid.UUID) ([]models.JobEvent, error)
	Timeline(ctx context.Context, jobID uuid.UUID) iter.Seq2[models.JobEvent, error]
	// ListOwned is List restricted to ownerID. A timeline with no events for
	// that owner is NOT_FOUND, whether or not the job row still exists.
	ListOwned(ctx context.Context, ownerID, jobID uuid.UUID) ([]models.JobEvent, error)
}

type service struct {
	repo     Repository
	outbox   outboxPublisher
	pageSize int
}

// NewService wires the event log. A nil publisher disables the notification mirror.
func NewService(repo Repository, publisher outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("job event repository required")
	}
	return &service{repo: repo, outbox: publisher, pageSize: defaultPageSize}, nil
}

func (s *service) Append(ctx context.Context, tx *gorm.DB, in AppendInput) (*models.JobEvent, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if in.JobID == uuid.Nil {
		return nil, fmt.Errorf("job id is required")
	}
	if in.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("owner id is required")
	}
	if !in.Kind.IsValid() {
		return nil, fmt.Errorf("invalid job kind %q", in.Kind)
	}
	if !in.Type.IsValid() {
		return nil, fmt.Errorf("invalid job event type %q", in.Type)
	}
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	occurred = occurred.UTC()

	var payload json.RawMessage
	if len(in.Payload) > 0 {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job event payload: %w", err)
		}
		payload = b
	}

	event := &models.JobEvent{
		JobID:      in.JobID,
		OwnerID:    in.OwnerID,
		JobKind:    in.Kind,
		Type:       in.Type,
		OccurredAt: occurred,
		Payload:    payload,
	}
	if err := s.repo.WithTx(tx).Create(ctx, event); err != nil {
		return nil, err
	}

	if s.outbox != nil {
		err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventJobEventAppended,
			AggregateType: aggregateFor(in.Kind),
			AggregateID:   in.JobID,
			OccurredAt:    occurred,
			Data: payloads.JobEventAppendedEvent{
				JobID:      in.JobID,
				JobKind:    in.Kind,
				Type:       in.Type,
				OccurredAt: occurred,
				Payload:    in.Payload,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("emit job event: %w", err)
		}
	}
	return event, nil
}

func (s *service) List(ctx context.Context, jobID uuid.UUID) ([]models.JobEvent, error) {
	return collect(s.scoped(ctx, Scope{JobID: jobID}))
}

func (s *service) ListOwned(ctx context.Context, ownerID, jobID uuid.UUID) ([]models.JobEvent, error) {
	if ownerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "owner required")
	}
	out, err := collect(s.scoped(ctx, Scope{JobID: jobID, OwnerID: ownerID}))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list job events")
	}
	// every job gets its queued event in the creating transaction
	if len(out) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
	}
	return out, nil
}

func collect(seq iter.Seq2[models.JobEvent, error]) ([]models.JobEvent, error) {
	var out []models.JobEvent
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Timeline lazily pages through a job's events in (occurred_at, id) order.
// Each range over the sequence starts a fresh read, so it can be replayed.
func (s *service) Timeline(ctx context.Context, jobID uuid.UUID) iter.Seq2[models.JobEvent, error] {
	return s.scoped(ctx, Scope{JobID: jobID})
}

func (s *service) scoped(ctx context.Context, scope Scope) iter.Seq2[models.JobEvent, error] {
	return func(yield func(models.JobEvent, error) bool) {
		var after *Position
		for {
			page, err := s.repo.ListAfter(ctx, scope, after, s.pageSize)
			if err != nil {
				yield(models.JobEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &Position{OccurredAt: last.OccurredAt, ID: last.ID}
		}
	}
}

func aggregateFor(kind enums.JobKind) enums.OutboxAggregateType {
	if kind == enums.JobKindEnrichment {
		return enums.AggregateEnrichmentRun
	}
	return enums.AggregateIngestionJob
}
