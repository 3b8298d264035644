package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/db/dbtest"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

func newTestService(t *testing.T) (Service, *db.Client) {
	t.Helper()
	client := dbtest.Client(t)
	svc, err := NewService(client, NewRepository(client.DB()))
	require.NoError(t, err)
	return svc, client
}

func grant(t *testing.T, svc Service, user uuid.UUID, amount int64) {
	t.Helper()
	res, err := svc.Grant(context.Background(), GrantInput{UserID: user, Amount: amount, IdempotencyKey: "grant:" + uuid.NewString()})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func countEntries(t *testing.T, client *db.Client, user uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, client.DB().Model(&models.CreditLedgerEntry{}).Where("user_id = ?", user).Count(&n).Error)
	return n
}

func TestLedgerConservation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	grant(t, svc, user, 10)

	_, err := svc.Charge(ctx, ChargeInput{UserID: user, Amount: 4, Reason: enums.LedgerReasonEnrichmentCharge, CorrelationID: "run-1"})
	require.NoError(t, err)
	_, err = svc.Charge(ctx, ChargeInput{UserID: user, Amount: 3, Reason: enums.LedgerReasonEnrichmentCharge, CorrelationID: "run-2"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = svc.Refund(ctx, RefundInput{UserID: user, Amount: 1, Reason: enums.LedgerReasonEnrichmentRefund, IdempotencyKey: uuid.NewString()})
		require.NoError(t, err)
	}

	balance, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(10-4-3+2), balance)
}

func TestChargeInsufficientAppendsNothing(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	grant(t, svc, user, 10)

	_, err := svc.Charge(ctx, ChargeInput{UserID: user, Amount: 12, Reason: enums.LedgerReasonEnrichmentCharge})
	require.True(t, IsInsufficientCredits(err), "got %v", err)
	require.Equal(t, int64(1), countEntries(t, client, user))

	balance, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	// Exact balance is allowed.
	_, err = svc.Charge(ctx, ChargeInput{UserID: user, Amount: 10, Reason: enums.LedgerReasonEnrichmentCharge})
	require.NoError(t, err)
}

func TestRefundIsIdempotent(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	in := RefundInput{UserID: user, Amount: 1, Reason: enums.LedgerReasonEnrichmentRefund, IdempotencyKey: "refund:run:prop"}

	first, err := svc.Refund(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Refund(ctx, in)
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, first.Entry.ID, second.Entry.ID)
	require.Equal(t, int64(1), countEntries(t, client, user))

	// Same key, different user.
	_, err = svc.Refund(ctx, RefundInput{UserID: uuid.New(), Amount: 1, Reason: enums.LedgerReasonEnrichmentRefund, IdempotencyKey: "refund:run:prop"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	grant(t, svc, user, 10)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Charge(ctx, ChargeInput{UserID: user, Amount: 1, Reason: enums.LedgerReasonEnrichmentCharge})
			switch {
			case err == nil:
				ok.Add(1)
			case IsInsufficientCredits(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), ok.Load())
	require.Equal(t, int32(15), rejected.Load())
	balance, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
	require.Equal(t, int64(11), countEntries(t, client, user))
}

func TestChargeInsideCallerTransactionRollsBack(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	grant(t, svc, user, 5)

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := svc.WithTx(tx).Charge(ctx, ChargeInput{UserID: user, Amount: 5, Reason: enums.LedgerReasonEnrichmentCharge}); err != nil {
			return err
		}
		balance, err := svc.WithTx(tx).Balance(ctx, user)
		require.NoError(t, err)
		require.Equal(t, int64(0), balance)
		return pkgerrors.New(pkgerrors.CodeInternal, "abort")
	})
	require.Error(t, err)

	balance, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)
}

func TestChargeDuplicateIdempotencyKeyConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	grant(t, svc, user, 5)

	in := ChargeInput{UserID: user, Amount: 1, Reason: enums.LedgerReasonEnrichmentCharge, IdempotencyKey: "charge:run-1"}
	_, err := svc.Charge(ctx, in)
	require.NoError(t, err)
	_, err = svc.Charge(ctx, in)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := uuid.New()
	for i := 0; i < 5; i++ {
		grant(t, svc, user, int64(i+1))
	}

	seen := map[uuid.UUID]bool{}
	params := pagination.Params{Limit: 2}
	pages := 0
	for {
		page, err := svc.List(ctx, user, params)
		require.NoError(t, err)
		require.Equal(t, int64(15), page.Balance)
		for _, e := range page.Entries {
			require.False(t, seen[e.ID], "entry returned twice")
			seen[e.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	require.Len(t, seen, 5)
	require.Equal(t, 3, pages)
}

func TestValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Charge(ctx, ChargeInput{UserID: uuid.New(), Amount: 0, Reason: enums.LedgerReasonEnrichmentCharge})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.Charge(ctx, ChargeInput{Amount: 1, Reason: enums.LedgerReasonEnrichmentCharge})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.Refund(ctx, RefundInput{UserID: uuid.New(), Amount: 1, Reason: enums.LedgerReasonEnrichmentRefund})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "refund without key")
	_, err = svc.Charge(ctx, ChargeInput{UserID: uuid.New(), Amount: 1, Reason: "bonus"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = NewService(nil, NewRepository(nil))
	require.Error(t, err)
}
