package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/propwatch-backend/pkg/db/types"
)

// EnrichmentRun holds the counters of one skip-trace batch. Counters are
// only ever moved by a single UPDATE so succeeded+failed+queued == total.
type EnrichmentRun struct {
	ID              uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID         uuid.UUID        `gorm:"column:owner_id;type:uuid;not null;index"`
	Settings        json.RawMessage  `gorm:"column:settings;type:jsonb"`
	PropertyIDs     dbtypes.UUIDList `gorm:"column:property_ids;type:jsonb;not null"`
	Total           int              `gorm:"column:total;not null"`
	Queued          int              `gorm:"column:queued;not null"`
	Succeeded       int              `gorm:"column:succeeded;not null;default:0"`
	Failed          int              `gorm:"column:failed;not null;default:0"`
	Refunded        int              `gorm:"column:refunded;not null;default:0"`
	CancelRequested bool             `gorm:"column:cancel_requested;not null;default:false"`
	StartedAt       time.Time        `gorm:"column:started_at;not null"`
	FinishedAt      *time.Time       `gorm:"column:finished_at;index"`
	CreatedAt       time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *EnrichmentRun) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
