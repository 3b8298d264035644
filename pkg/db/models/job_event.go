package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

// JobEvent is an append-only timeline entry. JobID carries no foreign key and
// OwnerID is copied in at append time, so a timeline can be read and
// authorized after the job row is gone.
type JobEvent struct {
	ID         int64              `gorm:"column:id;primaryKey;autoIncrement"`
	JobID      uuid.UUID          `gorm:"column:job_id;type:uuid;not null;index:idx_job_events_job_id,priority:1;index:idx_job_events_owner,priority:2"`
	OwnerID    uuid.UUID          `gorm:"column:owner_id;type:uuid;not null;index:idx_job_events_owner,priority:1"`
	JobKind    enums.JobKind      `gorm:"column:job_kind;type:text;not null"`
	Type       enums.JobEventType `gorm:"column:type;type:text;not null"`
	OccurredAt time.Time          `gorm:"column:occurred_at;not null"`
	Payload    json.RawMessage    `gorm:"column:payload;type:jsonb"`
}
