package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

// Repository persists ingestion jobs, their staging rows and promoted records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateJob(ctx context.Context, job *models.IngestionJob) error
	FindJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	FindJobs(ctx context.Context, ids []uuid.UUID) ([]models.IngestionJob, error)
	// Transition moves a job from -> to only if it is still in from.
	Transition(ctx context.Context, id uuid.UUID, from, to enums.IngestionJobStatus, updates map[string]any) (bool, error)
	UpdateJob(ctx context.Context, id uuid.UUID, updates map[string]any) error
	// StaleJobs returns in-flight jobs that stopped heartbeating before
	// heartbeatBefore and QUEUED jobs created before queuedBefore.
	StaleJobs(ctx context.Context, heartbeatBefore, queuedBefore time.Time, limit int) ([]models.IngestionJob, error)

	InsertStagingRows(ctx context.Context, rows []models.StagingRow, batchSize int) error
	PendingNormalization(ctx context.Context, jobID uuid.UUID, afterRow, limit int) ([]models.StagingRow, error)
	PendingPromotion(ctx context.Context, jobID uuid.UUID, afterRow, limit int) ([]models.StagingRow, error)
	UpdateStagingRow(ctx context.Context, id uuid.UUID, updates map[string]any) error

	// InsertPropertyIfAbsent reports whether a new property row was created.
	InsertPropertyIfAbsent(ctx context.Context, p *models.Property) (bool, error)
	PropertyIDsByNaturalKey(ctx context.Context, keys []string) (map[string]uuid.UUID, error)
	InsertViolationIfAbsent(ctx context.Context, v *models.Violation) (bool, error)
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

func (r *repository) CreateJob(ctx context.Context, job *models.IngestionJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *repository) FindJob(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	var job models.IngestionJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repository) FindJobs(ctx context.Context, ids []uuid.UUID) ([]models.IngestionJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var jobs []models.IngestionJob
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

func (r *repository) Transition(ctx context.Context, id uuid.UUID, from, to enums.IngestionJobStatus, updates map[string]any) (bool, error) {
	values := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range updates {
		values[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.IngestionJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateJob(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.IngestionJob{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repository) StaleJobs(ctx context.Context, heartbeatBefore, queuedBefore time.Time, limit int) ([]models.IngestionJob, error) {
	inFlight := []enums.IngestionJobStatus{
		enums.IngestionJobParsing, enums.IngestionJobProcessing, enums.IngestionJobDeduping, enums.IngestionJobFinalizing,
	}
	var jobs []models.IngestionJob
	err := r.db.WithContext(ctx).
		Where("(status IN ? AND COALESCE(heartbeat_at, started_at, created_at) < ?) OR (status = ? AND created_at < ?)",
			inFlight, heartbeatBefore, enums.IngestionJobQueued, queuedBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *repository) InsertStagingRows(ctx context.Context, rows []models.StagingRow, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}, {Name: "row_num"}}, DoNothing: true}).
		CreateInBatches(rows, batchSize).Error
}

func (r *repository) PendingNormalization(ctx context.Context, jobID uuid.UUID, afterRow, limit int) ([]models.StagingRow, error) {
	var rows []models.StagingRow
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND row_num > ? AND normalized = ? AND row_error IS NULL", jobID, afterRow, false).
		Order("row_num ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) PendingPromotion(ctx context.Context, jobID uuid.UUID, afterRow, limit int) ([]models.StagingRow, error) {
	var rows []models.StagingRow
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND row_num > ? AND normalized = ? AND processed = ? AND row_error IS NULL", jobID, afterRow, true, false).
		Order("row_num ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) UpdateStagingRow(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.StagingRow{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repository) InsertPropertyIfAbsent(ctx context.Context, p *models.Property) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "natural_key"}}, DoNothing: true}).
		Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) PropertyIDsByNaturalKey(ctx context.Context, keys []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []models.Property
	if err := r.db.WithContext(ctx).Select("id", "natural_key").Where("natural_key IN ?", keys).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.NaturalKey] = p.ID
	}
	return out, nil
}

func (r *repository) InsertViolationIfAbsent(ctx context.Context, v *models.Violation) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(v)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
