package outbox

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/pkg/db/dbtest"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

func TestEmitStoresEnvelopeInTransaction(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	jobID, owner := uuid.New(), uuid.New()
	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventIngestionJobQueued,
			AggregateType: enums.AggregateIngestionJob,
			AggregateID:   jobID,
			Actor:         &ActorRef{UserID: owner},
			Data:          map[string]string{"job_id": jobID.String()},
		})
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	var row models.OutboxEvent
	if err := conn.Where("aggregate_id = ?", jobID).First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	env, err := DecodeEnvelope(row.Payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Version != CurrentVersion || !env.OccurredAt.Equal(fixed) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Actor == nil || env.Actor.UserID != owner {
		t.Fatalf("actor not preserved: %+v", env.Actor)
	}
	if row.PublishedAt != nil {
		t.Fatal("new rows must be unpublished")
	}
}

func TestEmitRollsBackWithCaller(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)

	_ = conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventJobEventAppended,
			AggregateType: enums.AggregateEnrichmentRun,
			AggregateID:   uuid.New(),
			Data:          map[string]any{},
		}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		return gorm.ErrInvalidTransaction
	})

	var count int64
	if err := conn.Model(&models.OutboxEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rolled back emit left %d rows", count)
	}
}

func TestEmitValidatesEvent(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	cases := map[string]DomainEvent{
		"event type":   {EventType: "bogus", AggregateType: enums.AggregateIngestionJob, AggregateID: uuid.New()},
		"aggregate":    {EventType: enums.EventJobEventAppended, AggregateType: "order", AggregateID: uuid.New()},
		"aggregate id": {EventType: enums.EventJobEventAppended, AggregateType: enums.AggregateIngestionJob},
	}
	for name, ev := range cases {
		if err := svc.Emit(context.Background(), &gorm.DB{}, ev); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := svc.Emit(context.Background(), nil, DomainEvent{}); err == nil {
		t.Fatal("expected error without transaction")
	}
}
