// Package properties serves the promoted property list.
package properties

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

type Property struct {
	ID         uuid.UUID `json:"id"`
	Address    string    `json:"address"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Zip        string    `json:"zip,omitempty"`
	County     string    `json:"county,omitempty"`
	Violations int       `json:"violations"`
	CreatedAt  time.Time `json:"created_at"`
}

type ListParams struct {
	City  string
	State string
	pagination.Params
}

type ListResult struct {
	Properties []Property `json:"properties"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type Service interface {
	List(ctx context.Context, params ListParams) (*ListResult, error)
	// Existing returns which of ids refer to stored properties.
	Existing(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("property repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	filter := Filter{}
	if c := strings.TrimSpace(params.City); c != "" {
		filter.City = location.NormalizeCity(c)
	}
	if st := strings.TrimSpace(params.State); st != "" {
		filter.State = location.NormalizeState(st)
		if filter.State == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "state must be a two-letter postal code")
		}
	}
	limit, cursor, err := params.Decode()
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.List(ctx, filter, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list properties")
	}
	out := &ListResult{}
	rows, out.NextCursor = pagination.Trim(rows, limit, func(p models.Property) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	})

	ids := make([]uuid.UUID, len(rows))
	for i, p := range rows {
		ids[i] = p.ID
	}
	counts, err := s.repo.ViolationCounts(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count violations")
	}

	out.Properties = make([]Property, len(rows))
	for i, p := range rows {
		out.Properties[i] = Property{
			ID:         p.ID,
			Address:    p.Address,
			City:       p.City,
			State:      p.State,
			Zip:        p.Zip,
			County:     p.County,
			Violations: counts[p.ID],
			CreatedAt:  p.CreatedAt,
		}
	}
	return out, nil
}

func (s *service) Existing(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load properties")
	}
	out := make(map[uuid.UUID]bool, len(rows))
	for _, p := range rows {
		out[p.ID] = true
	}
	return out, nil
}
