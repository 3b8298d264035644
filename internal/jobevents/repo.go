package jobevents

import (
	"context"
	"time"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository is insert-and-read only; job events are never updated or deleted.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.JobEvent) error
	// ListAfter returns events in scope strictly after (occurredAt, id) in timeline order.
	ListAfter(ctx context.Context, scope Scope, after *Position, limit int) ([]models.JobEvent, error)
}

// Scope selects one timeline. A nil OwnerID matches every owner.
type Scope struct {
	JobID   uuid.UUID
	OwnerID uuid.UUID
}

// Position is a keyset cursor into a job's timeline.
type Position struct {
	OccurredAt time.Time
	ID         int64
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, event *models.JobEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) ListAfter(ctx context.Context, scope Scope, after *Position, limit int) ([]models.JobEvent, error) {
	q := r.db.WithContext(ctx).Where("job_id = ?", scope.JobID)
	if scope.OwnerID != uuid.Nil {
		q = q.Where("owner_id = ?", scope.OwnerID)
	}
	if after != nil {
		q = q.Where("(occurred_at > ?) OR (occurred_at = ? AND id > ?)", after.OccurredAt, after.OccurredAt, after.ID)
	}
	var events []models.JobEvent
	err := q.Order("occurred_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
