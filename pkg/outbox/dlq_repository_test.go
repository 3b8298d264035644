package outbox

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/db/dbtest"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

func dlqEntry(failedAt time.Time, msg string) models.OutboxDLQ {
	return models.OutboxDLQ{
		EventID:       uuid.New(),
		EventType:     enums.EventJobEventAppended,
		AggregateType: enums.AggregateEnrichmentRun,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &msg,
		FailedAt:      failedAt,
	}
}

func TestDLQInsertTruncatesMessage(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewDLQRepository(conn)

	entry := dlqEntry(time.Now().UTC(), strings.Repeat("x", maxLastErrorLen+50))
	if err := repo.InsertTx(conn, entry); err != nil {
		t.Fatalf("InsertTx: %v", err)
	}
	var stored models.OutboxDLQ
	if err := conn.Where("event_id = ?", entry.EventID).First(&stored).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.ErrorMessage == nil || len(*stored.ErrorMessage) != maxLastErrorLen {
		t.Fatalf("expected truncated message, got %v", stored.ErrorMessage)
	}
}

func TestDLQInsertRequiresTx(t *testing.T) {
	if err := NewDLQRepository(nil).InsertTx(nil, models.OutboxDLQ{}); err == nil {
		t.Fatal("expected error without transaction")
	}
}

func TestDLQDeleteBefore(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewDLQRepository(conn)
	now := time.Now().UTC()

	for _, at := range []time.Time{now.Add(-60 * 24 * time.Hour), now.Add(-time.Hour)} {
		if err := repo.InsertTx(conn, dlqEntry(at, "boom")); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	deleted, err := repo.DeleteBefore(conn, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row deleted, got %d", deleted)
	}
	var left int64
	if err := conn.Model(&models.OutboxDLQ{}).Count(&left).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 1 {
		t.Fatalf("expected 1 row left, got %d", left)
	}
}
