package properties

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/pkg/db/dbtest"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

func seed(t *testing.T, conn *gorm.DB, city, state string, n int, base time.Time) []models.Property {
	t.Helper()
	out := make([]models.Property, n)
	for i := range out {
		out[i] = models.Property{
			Address:    fmt.Sprintf("%d Main St", i),
			City:       city,
			State:      state,
			NaturalKey: fmt.Sprintf("%d MAIN ST|%s|%s|", i, city, state),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, conn.Create(&out[i]).Error)
	}
	return out
}

func TestListPagesThroughFilteredProperties(t *testing.T) {
	conn := dbtest.Open(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	austin := seed(t, conn, "Austin", "TX", 5, base)
	seed(t, conn, "Dallas", "TX", 3, base)
	require.NoError(t, conn.Create(&models.Violation{PropertyID: austin[4].ID, JobID: uuid.New(), Fingerprint: "a"}).Error)
	require.NoError(t, conn.Create(&models.Violation{PropertyID: austin[4].ID, JobID: uuid.New(), Fingerprint: "b"}).Error)

	svc, err := NewService(NewRepository(conn))
	require.NoError(t, err)
	ctx := context.Background()

	page, err := svc.List(ctx, ListParams{City: "austin", State: "tx", Params: pagination.Params{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, page.Properties, 2)
	require.Equal(t, austin[4].ID, page.Properties[0].ID)
	require.Equal(t, 2, page.Properties[0].Violations)
	require.NotEmpty(t, page.NextCursor)

	var seen []uuid.UUID
	for _, p := range page.Properties {
		seen = append(seen, p.ID)
	}
	cursor := page.NextCursor
	for cursor != "" {
		page, err = svc.List(ctx, ListParams{City: "Austin", State: "TX", Params: pagination.Params{Limit: 2, Cursor: cursor}})
		require.NoError(t, err)
		for _, p := range page.Properties {
			seen = append(seen, p.ID)
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []uuid.UUID{austin[4].ID, austin[3].ID, austin[2].ID, austin[1].ID, austin[0].ID}, seen)

	all, err := svc.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, all.Properties, 8)
	require.Empty(t, all.NextCursor)
}

func TestListValidation(t *testing.T) {
	svc, err := NewService(NewRepository(dbtest.Open(t)))
	require.NoError(t, err)

	_, err = svc.List(context.Background(), ListParams{State: "Texas"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.List(context.Background(), ListParams{Params: pagination.Params{Cursor: "%%%"}})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestExisting(t *testing.T) {
	conn := dbtest.Open(t)
	props := seed(t, conn, "Austin", "TX", 2, time.Now().UTC())
	svc, err := NewService(NewRepository(conn))
	require.NoError(t, err)

	missing := uuid.New()
	got, err := svc.Existing(context.Background(), []uuid.UUID{props[0].ID, missing})
	require.NoError(t, err)
	require.True(t, got[props[0].ID])
	require.False(t, got[missing])
}
