package enrichment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateRun(ctx context.Context, run *models.EnrichmentRun) error
	FindRun(ctx context.Context, id uuid.UUID) (*models.EnrichmentRun, error)
	CountActive(ctx context.Context, ownerID uuid.UUID) (int64, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	// OpenRunsStartedBefore lists unfinished runs, oldest first.
	OpenRunsStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.EnrichmentRun, error)

	// InsertOutcome reports false when the property already has an outcome in the run.
	InsertOutcome(ctx context.Context, outcome *models.EnrichmentOutcome) (bool, error)
	// ApplyOutcome moves one property out of queued in a single statement.
	// It reports false when the run has nothing left queued.
	ApplyOutcome(ctx context.Context, runID uuid.UUID, success, refunded bool, now time.Time) (bool, error)
	ListOutcomes(ctx context.Context, runID uuid.UUID) ([]models.EnrichmentOutcome, error)
	RecordedPropertyIDs(ctx context.Context, runID uuid.UUID) (map[uuid.UUID]struct{}, error)
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

func (r *repository) CreateRun(ctx context.Context, run *models.EnrichmentRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *repository) FindRun(ctx context.Context, id uuid.UUID) (*models.EnrichmentRun, error) {
	var run models.EnrichmentRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repository) CountActive(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.EnrichmentRun{}).
		Where("owner_id = ? AND finished_at IS NULL", ownerID).
		Count(&n).Error
	return n, err
}

func (r *repository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.EnrichmentRun{}).
		Where("id = ? AND finished_at IS NULL", id).
		Updates(map[string]any{"cancel_requested": true, "updated_at": time.Now().UTC()})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) OpenRunsStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.EnrichmentRun, error) {
	var runs []models.EnrichmentRun
	err := r.db.WithContext(ctx).
		Where("finished_at IS NULL AND started_at < ?", cutoff).
		Order("started_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *repository) InsertOutcome(ctx context.Context, outcome *models.EnrichmentOutcome) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "property_id"}},
			DoNothing: true,
		}).
		Create(outcome)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ApplyOutcome(ctx context.Context, runID uuid.UUID, success, refunded bool, now time.Time) (bool, error) {
	succeeded, failed, refund := 0, 1, 0
	if success {
		succeeded, failed = 1, 0
	}
	if refunded {
		refund = 1
	}
	// SET expressions see the pre-update row, so queued = 1 means this
	// write empties the run.
	res := r.db.WithContext(ctx).
		Model(&models.EnrichmentRun{}).
		Where("id = ? AND queued > 0", runID).
		Updates(map[string]any{
			"queued":      gorm.Expr("queued - 1"),
			"succeeded":   gorm.Expr("succeeded + ?", succeeded),
			"failed":      gorm.Expr("failed + ?", failed),
			"refunded":    gorm.Expr("refunded + ?", refund),
			"finished_at": gorm.Expr("CASE WHEN queued = 1 THEN ? ELSE finished_at END", now),
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListOutcomes(ctx context.Context, runID uuid.UUID) ([]models.EnrichmentOutcome, error) {
	var rows []models.EnrichmentOutcome
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Order("id ASC").Find(&rows).Error
	return rows, err
}

func (r *repository) RecordedPropertyIDs(ctx context.Context, runID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&models.EnrichmentOutcome{}).Where("run_id = ?", runID).Pluck("property_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
