// Package ledger is the append-only credit ledger. A user's balance is the
// sum of their entries and only changes through Charge, Refund and Grant.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service exposes the atomic balance operations.
type Service interface {
	// WithTx binds the service to the caller's transaction.
	WithTx(tx *gorm.DB) Service
	Charge(ctx context.Context, in ChargeInput) (*models.CreditLedgerEntry, error)
	Refund(ctx context.Context, in RefundInput) (*RefundResult, error)
	Grant(ctx context.Context, in GrantInput) (*RefundResult, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*ListResult, error)
}

type ChargeInput struct {
	UserID         uuid.UUID
	Amount         int64
	Reason         enums.LedgerReason
	CorrelationID  string
	IdempotencyKey string
	Metadata       map[string]any
}

// RefundInput requires an IdempotencyKey; repeating a key is a no-op.
type RefundInput struct {
	UserID         uuid.UUID
	Amount         int64
	Reason         enums.LedgerReason
	CorrelationID  string
	IdempotencyKey string
	Metadata       map[string]any
}

type GrantInput = RefundInput

// RefundResult reports whether this call appended the entry. Applied is false
// when the idempotency key had already been used.
type RefundResult struct {
	Entry   *models.CreditLedgerEntry
	Applied bool
}

type ListResult struct {
	Balance    int64                      `json:"balance"`
	Entries    []models.CreditLedgerEntry `json:"entries"`
	NextCursor string                     `json:"next_cursor,omitempty"`
}

type service struct {
	tx   txRunner
	repo Repository
	// bound is set when the service runs inside a caller-owned transaction.
	bound *gorm.DB
}

func NewService(tx txRunner, repo Repository) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{tx: tx, repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{tx: s.tx, repo: s.repo, bound: tx}
}

func (s *service) inTx(ctx context.Context, fn func(repo Repository) error) error {
	if s.bound != nil {
		return fn(s.repo.WithTx(s.bound))
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(s.repo.WithTx(tx))
	})
}

// Charge appends a negative entry of Amount, or fails with
// CodeInsufficientCredits and appends nothing.
func (s *service) Charge(ctx context.Context, in ChargeInput) (*models.CreditLedgerEntry, error) {
	if err := validate(in.UserID, in.Amount, in.Reason); err != nil {
		return nil, err
	}
	entry, err := newEntry(in.UserID, -in.Amount, in.Reason, in.CorrelationID, in.IdempotencyKey, in.Metadata)
	if err != nil {
		return nil, err
	}

	var inserted bool
	err = s.inTx(ctx, func(repo Repository) error {
		if err := repo.LockUser(ctx, in.UserID); err != nil {
			return err
		}
		inserted, err = repo.InsertIfSufficient(ctx, entry)
		return err
	})
	if err != nil {
		if db.IsUniqueViolation(err, "ux_credit_ledger_idempotency_key") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "charge already recorded")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append charge")
	}
	if !inserted {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits").
			WithDetails(map[string]any{"required": in.Amount})
	}
	return entry, nil
}

func (s *service) Refund(ctx context.Context, in RefundInput) (*RefundResult, error) {
	return s.credit(ctx, in, "refund")
}

func (s *service) Grant(ctx context.Context, in GrantInput) (*RefundResult, error) {
	if in.Reason == "" {
		in.Reason = enums.LedgerReasonGrant
	}
	return s.credit(ctx, in, "grant")
}

func (s *service) credit(ctx context.Context, in RefundInput, op string) (*RefundResult, error) {
	if err := validate(in.UserID, in.Amount, in.Reason); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, op+" idempotency key is required")
	}
	entry, err := newEntry(in.UserID, in.Amount, in.Reason, in.CorrelationID, in.IdempotencyKey, in.Metadata)
	if err != nil {
		return nil, err
	}

	result := &RefundResult{}
	err = s.inTx(ctx, func(repo Repository) error {
		if err := repo.LockUser(ctx, in.UserID); err != nil {
			return err
		}
		applied, err := repo.InsertIdempotent(ctx, entry)
		if err != nil {
			return err
		}
		result.Applied = applied
		if applied {
			result.Entry = entry
			return nil
		}
		existing, err := repo.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return err
		}
		result.Entry = existing
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append "+op)
	}
	if !result.Applied && result.Entry.UserID != in.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key belongs to another user")
	}
	return result, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	repo := s.repo
	if s.bound != nil {
		repo = repo.WithTx(s.bound)
	}
	balance, err := repo.Balance(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read balance")
	}
	return balance, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*ListResult, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit, cursor, err := params.Decode()
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.List(ctx, userID, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}

	out := &ListResult{Balance: balance}
	out.Entries, out.NextCursor = pagination.Trim(rows, limit, func(e models.CreditLedgerEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	return out, nil
}

func validate(userID uuid.UUID, amount int64, reason enums.LedgerReason) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if amount <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !reason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger reason %q", reason))
	}
	return nil
}

func newEntry(userID uuid.UUID, delta int64, reason enums.LedgerReason, correlationID, key string, metadata map[string]any) (*models.CreditLedgerEntry, error) {
	entry := &models.CreditLedgerEntry{
		UserID: userID,
		Delta:  delta,
		Reason: reason,
	}
	if c := strings.TrimSpace(correlationID); c != "" {
		entry.CorrelationID = &c
	}
	if k := strings.TrimSpace(key); k != "" {
		entry.IdempotencyKey = &k
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid ledger metadata")
		}
		entry.Metadata = b
	}
	return entry, nil
}

// IsInsufficientCredits reports whether err is a failed charge.
func IsInsufficientCredits(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeInsufficientCredits)
}
