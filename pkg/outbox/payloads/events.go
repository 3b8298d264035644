package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

// IngestionJobQueuedEvent asks a worker to run an ingestion job.
type IngestionJobQueuedEvent struct {
	JobID        uuid.UUID  `json:"job_id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`
	SourceHandle string     `json:"source_handle"`
	LocationKey  string     `json:"location_key,omitempty"`
}

// JobEventAppendedEvent mirrors a job timeline entry to the notification
// surface.
type JobEventAppendedEvent struct {
	JobID      uuid.UUID          `json:"job_id"`
	JobKind    enums.JobKind      `json:"job_kind"`
	Type       enums.JobEventType `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Payload    map[string]any     `json:"payload,omitempty"`
}
