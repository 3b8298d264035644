package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/api/middleware"
	"github.com/angelmondragon/propwatch-backend/api/responses"
	"github.com/angelmondragon/propwatch-backend/api/validators"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

const maxGrantAmount = 1_000_000

type creditLedger interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*ledger.ListResult, error)
	Grant(ctx context.Context, in ledger.GrantInput) (*ledger.RefundResult, error)
}

type ledgerEntryView struct {
	ID            uuid.UUID          `json:"id"`
	Delta         int64              `json:"delta"`
	Reason        enums.LedgerReason `json:"reason"`
	CorrelationID *string            `json:"correlation_id,omitempty"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

func newLedgerEntryView(e models.CreditLedgerEntry) ledgerEntryView {
	return ledgerEntryView{
		ID:            e.ID,
		Delta:         e.Delta,
		Reason:        e.Reason,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
	}
}

func GetCreditBalance(svc creditLedger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"balance": balance})
	}
}

func ListCreditEntries(svc creditLedger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := svc.List(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		entries := make([]ledgerEntryView, 0, len(res.Entries))
		for _, e := range res.Entries {
			entries = append(entries, newLedgerEntryView(e))
		}
		responses.WriteSuccess(w, map[string]any{
			"balance":     res.Balance,
			"entries":     entries,
			"next_cursor": res.NextCursor,
		})
	}
}

type grantRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"notnil_uuid"`
	Amount int64     `json:"amount" validate:"required,min=1"`
	Reason string    `json:"reason" validate:"omitempty,oneof=grant adjustment"`
	Note   string    `json:"note" validate:"max=500"`
}

// AdminGrantCredits credits a user. The request's Idempotency-Key doubles as
// the ledger key, so a replayed grant never credits twice.
func AdminGrantCredits(svc creditLedger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req grantRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if req.Amount > maxGrantAmount {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "amount too large").
				WithDetails(map[string]any{"max": maxGrantAmount}))
			return
		}
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
			return
		}

		metadata := map[string]any{"granted_by": adminID.String(), "role": string(middleware.RoleFromContext(r.Context()))}
		if note := validators.SanitizeString(req.Note, 500); note != "" {
			metadata["note"] = note
		}
		res, err := svc.Grant(r.Context(), ledger.GrantInput{
			UserID:         req.UserID,
			Amount:         req.Amount,
			Reason:         enums.LedgerReason(req.Reason),
			CorrelationID:  "admin:" + adminID.String(),
			IdempotencyKey: "grant:" + key,
			Metadata:       metadata,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusCreated
		if !res.Applied {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, map[string]any{
			"entry":   newLedgerEntryView(*res.Entry),
			"applied": res.Applied,
		})
	}
}
