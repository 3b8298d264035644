package controllers

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/api/responses"
	"github.com/angelmondragon/propwatch-backend/internal/consent"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type consentRecorder interface {
	Record(ctx context.Context, in consent.RecordInput) (*models.ConsentRecord, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.ConsentRecord, error)
}

type consentView struct {
	Consented   bool       `json:"consented"`
	ConsentedAt *time.Time `json:"consented_at,omitempty"`
}

func RecordConsent(svc consentRecorder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rec, err := svc.Record(r.Context(), consent.RecordInput{
			UserID:      userID,
			ClientID:    remoteIP(r),
			ClientAgent: r.UserAgent(),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, consentView{Consented: true, ConsentedAt: &rec.ConsentedAt})
	}
}

func GetConsent(svc consentRecorder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rec, err := svc.Get(r.Context(), userID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				responses.WriteSuccess(w, consentView{})
				return
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, consentView{Consented: true, ConsentedAt: &rec.ConsentedAt})
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
