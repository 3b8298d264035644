package validators

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
)

func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be numeric").WithDetails(map[string]any{"field": key})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").WithDetails(map[string]any{"field": key, "min": min, "max": max})
	}
	return value, nil
}

// ParseQueryUUIDs reads key=a,b,c as well as repeated key parameters.
// Duplicates collapse, first occurrence wins the position.
func ParseQueryUUIDs(r *http.Request, key string, max int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	seen := map[uuid.UUID]struct{}{}
	for _, value := range r.URL.Query()[key] {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid uuid in query").
					WithDetails(map[string]any{"field": key, "value": part})
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "query parameter is required").WithDetails(map[string]any{"field": key})
	}
	if max > 0 && len(ids) > max {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "too many values").
			WithDetails(map[string]any{"field": key, "max": max})
	}
	return ids, nil
}

// ParseQueryIncludes reports which comma-separated include flags were sent.
func ParseQueryIncludes(r *http.Request, key string) map[string]bool {
	out := map[string]bool{}
	for _, value := range r.URL.Query()[key] {
		for _, part := range strings.Split(value, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out[part] = true
			}
		}
	}
	return out
}
