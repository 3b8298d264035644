package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/api/responses"
	"github.com/angelmondragon/propwatch-backend/api/validators"
	"github.com/angelmondragon/propwatch-backend/internal/enrichment"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type enrichmentRuns interface {
	Start(ctx context.Context, in enrichment.StartInput) (*enrichment.RunStatus, error)
	Status(ctx context.Context, ownerID, runID uuid.UUID) (*enrichment.RunStatus, error)
	Cancel(ctx context.Context, ownerID, runID uuid.UUID) (*enrichment.RunStatus, error)
	Outcomes(ctx context.Context, ownerID, runID uuid.UUID) ([]enrichment.Outcome, error)
}

type startRunRequest struct {
	PropertyIDs []uuid.UUID    `json:"property_ids" validate:"required,min=1,dive,notnil_uuid"`
	Consent     bool           `json:"consent"`
	Settings    map[string]any `json:"settings"`
}

type runView struct {
	*enrichment.RunStatus
	Outcomes []enrichment.Outcome `json:"outcomes,omitempty"`
}

func StartEnrichmentRun(runs enrichmentRuns, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req startRunRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := runs.Start(r.Context(), enrichment.StartInput{
			UserID:      userID,
			PropertyIDs: req.PropertyIDs,
			ConsentOK:   req.Consent,
			Settings:    req.Settings,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, status)
	}
}

// GetEnrichmentRun returns run counters; ?include=outcomes adds the per-property results.
func GetEnrichmentRun(runs enrichmentRuns, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		runID, err := uuidParam(r, "runId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := runs.Status(r.Context(), userID, runID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view := runView{RunStatus: status}
		if validators.ParseQueryIncludes(r, "include")["outcomes"] {
			view.Outcomes, err = runs.Outcomes(r.Context(), userID, runID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		responses.WriteSuccess(w, view)
	}
}

func CancelEnrichmentRun(runs enrichmentRuns, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		runID, err := uuidParam(r, "runId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := runs.Cancel(r.Context(), userID, runID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, status)
	}
}
