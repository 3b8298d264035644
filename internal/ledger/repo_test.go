package ledger

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

func TestPostgresChargeTakesAdvisoryLockAndUsesConditionalInsert(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	user := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(user.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE (SELECT COALESCE(SUM(delta), 0) FROM credit_ledger_entries WHERE user_id = $9::uuid) + $10::bigint >= 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewRepository(conn)
	ctx := context.Background()
	require.NoError(t, repo.LockUser(ctx, user))
	inserted, err := repo.InsertIfSufficient(ctx, &models.CreditLedgerEntry{UserID: user, Delta: -3, Reason: enums.LedgerReasonEnrichmentCharge})
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}
