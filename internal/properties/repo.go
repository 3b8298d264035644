package properties

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

// Filter narrows a property listing. Empty fields match everything.
type Filter struct {
	City  string
	State string
}

type Repository interface {
	List(ctx context.Context, filter Filter, cursor *pagination.Cursor, limit int) ([]models.Property, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Property, error)
	ViolationCounts(ctx context.Context, propertyIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// List returns newest properties first, keyed on (created_at, id).
func (r *repository) List(ctx context.Context, filter Filter, cursor *pagination.Cursor, limit int) ([]models.Property, error) {
	q := r.db.WithContext(ctx).Model(&models.Property{})
	if filter.City != "" {
		q = q.Where("city = ?", filter.City)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if cursor != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Property
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *repository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Property, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Property
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error
	return rows, err
}

func (r *repository) ViolationCounts(ctx context.Context, propertyIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(propertyIDs))
	if len(propertyIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		PropertyID uuid.UUID
		N          int
	}
	err := r.db.WithContext(ctx).
		Model(&models.Violation{}).
		Select("property_id, COUNT(*) AS n").
		Where("property_id IN ?", propertyIDs).
		Group("property_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.PropertyID] = row.N
	}
	return out, nil
}
