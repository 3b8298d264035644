package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

// Repository appends and reads credit ledger entries. There is no update or
// delete path.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockUser(ctx context.Context, userID uuid.UUID) error
	InsertIfSufficient(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error)
	InsertIdempotent(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	List(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.CreditLedgerEntry, error)
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

// LockUser serializes balance mutations for one user until the surrounding
// transaction ends. SQLite already serializes writers.
func (r *repository) LockUser(ctx context.Context, userID uuid.UUID) error {
	if db.Dialect(r.db) != db.DialectPostgres {
		return nil
	}
	return r.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID.String()).Error
}

const insertIfSufficientPostgres = `
INSERT INTO credit_ledger_entries (id, user_id, delta, reason, correlation_id, idempotency_key, metadata, created_at)
SELECT ?::uuid, ?::uuid, ?::bigint, ?::text, ?::text, ?::text, ?::jsonb, ?::timestamptz
WHERE (SELECT COALESCE(SUM(delta), 0) FROM credit_ledger_entries WHERE user_id = ?::uuid) + ?::bigint >= 0`

const insertIfSufficientSQLite = `
INSERT INTO credit_ledger_entries (id, user_id, delta, reason, correlation_id, idempotency_key, metadata, created_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?
WHERE (SELECT COALESCE(SUM(delta), 0) FROM credit_ledger_entries WHERE user_id = ?) + ? >= 0`

// InsertIfSufficient appends entry only if the user's balance stays
// non-negative, as one statement. It reports whether a row was written.
func (r *repository) InsertIfSufficient(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error) {
	prepare(entry)
	query := insertIfSufficientSQLite
	if db.Dialect(r.db) == db.DialectPostgres {
		query = insertIfSufficientPostgres
	}
	res := r.db.WithContext(ctx).Exec(query,
		entry.ID, entry.UserID, entry.Delta, string(entry.Reason),
		entry.CorrelationID, entry.IdempotencyKey, metadataArg(entry), entry.CreatedAt,
		entry.UserID, entry.Delta,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// InsertIdempotent appends entry unless an entry with the same idempotency key exists.
func (r *repository) InsertIdempotent(ctx context.Context, entry *models.CreditLedgerEntry) (bool, error) {
	prepare(entry)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) FindByIdempotencyKey(ctx context.Context, key string) (*models.CreditLedgerEntry, error) {
	var entry models.CreditLedgerEntry
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("user_id = ?", userID).
		Scan(&balance).Error
	return balance, err
}

// List returns entries newest first.
func (r *repository) List(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.CreditLedgerEntry, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.CreditLedgerEntry
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func prepare(entry *models.CreditLedgerEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}

func metadataArg(entry *models.CreditLedgerEntry) any {
	if len(entry.Metadata) == 0 {
		return nil
	}
	return string(entry.Metadata)
}
