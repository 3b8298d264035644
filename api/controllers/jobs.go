package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/api/responses"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type jobEventLister interface {
	ListOwned(ctx context.Context, ownerID, jobID uuid.UUID) ([]models.JobEvent, error)
}

type jobEventView struct {
	ID         int64              `json:"id"`
	JobID      uuid.UUID          `json:"job_id"`
	JobKind    enums.JobKind      `json:"job_kind"`
	Type       enums.JobEventType `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
}

func newJobEventViews(events []models.JobEvent) []jobEventView {
	out := make([]jobEventView, 0, len(events))
	for _, e := range events {
		out = append(out, jobEventView{
			ID:         e.ID,
			JobID:      e.JobID,
			JobKind:    e.JobKind,
			Type:       e.Type,
			OccurredAt: e.OccurredAt,
			Payload:    e.Payload,
		})
	}
	return out
}

// ListJobEvents returns the timeline of an ingestion job or enrichment run
// owned by the caller. Ownership is read from the events, so the timeline
// stays available after the job or run row is deleted.
func ListJobEvents(events jobEventLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		id, err := uuidParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := events.ListOwned(r.Context(), userID, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"events": newJobEventViews(list)})
	}
}
