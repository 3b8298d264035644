package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/propwatch-backend/pkg/db/types"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

// IngestionJob tracks one per-location spreadsheet as it is promoted into
// properties and violations.
type IngestionJob struct {
	ID                uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID           uuid.UUID                `gorm:"column:owner_id;type:uuid;not null;index"`
	BatchID           *uuid.UUID               `gorm:"column:batch_id;type:uuid;index"`
	SourceHandle      string                   `gorm:"column:source_handle;not null"`
	FileName          string                   `gorm:"column:file_name;not null"`
	LocationKey       string                   `gorm:"column:location_key"`
	FallbackCity      *string                  `gorm:"column:fallback_city"`
	FallbackState     *string                  `gorm:"column:fallback_state"`
	FallbackCounty    *string                  `gorm:"column:fallback_county"`
	Status            enums.IngestionJobStatus `gorm:"column:status;type:text;not null;index"`
	TotalRows         int                      `gorm:"column:total_rows;not null;default:0"`
	ProcessedRows     int                      `gorm:"column:processed_rows;not null;default:0"`
	FailedRows        int                      `gorm:"column:failed_rows;not null;default:0"`
	PropertiesCreated int                      `gorm:"column:properties_created;not null;default:0"`
	ViolationsCreated int                      `gorm:"column:violations_created;not null;default:0"`
	Warnings          dbtypes.StringList       `gorm:"column:warnings;type:jsonb"`
	Error             *string                  `gorm:"column:error"`
	HeartbeatAt       *time.Time               `gorm:"column:heartbeat_at"`
	StartedAt         *time.Time               `gorm:"column:started_at"`
	FinishedAt        *time.Time               `gorm:"column:finished_at"`
	CreatedAt         time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (j *IngestionJob) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
