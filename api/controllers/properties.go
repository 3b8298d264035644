package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/propwatch-backend/api/responses"
	"github.com/angelmondragon/propwatch-backend/api/validators"
	"github.com/angelmondragon/propwatch-backend/internal/properties"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type propertyLister interface {
	List(ctx context.Context, params properties.ListParams) (*properties.ListResult, error)
}

func ListProperties(svc propertyLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := callerID(r); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		q := r.URL.Query()
		res, err := svc.List(r.Context(), properties.ListParams{
			City:   validators.SanitizeString(q.Get("city"), fallbackMaxLength),
			State:  validators.SanitizeString(q.Get("state"), fallbackMaxLength),
			Params: page,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, res)
	}
}
