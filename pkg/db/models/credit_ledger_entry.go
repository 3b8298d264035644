package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

// CreditLedgerEntry records an immutable signed balance movement. The
// balance of a user is the sum of their deltas.
type CreditLedgerEntry struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	UserID         uuid.UUID          `gorm:"column:user_id;type:uuid;not null;index"`
	Delta          int64              `gorm:"column:delta;not null"`
	Reason         enums.LedgerReason `gorm:"column:reason;type:text;not null"`
	CorrelationID  *string            `gorm:"column:correlation_id;index"`
	IdempotencyKey *string            `gorm:"column:idempotency_key;uniqueIndex:ux_credit_ledger_idempotency_key"`
	Metadata       json.RawMessage    `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time          `gorm:"column:created_at;not null"`
}
