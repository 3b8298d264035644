package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

// EnrichmentOutcome is the single recorded result for a property within a run.
type EnrichmentOutcome struct {
	ID         uuid.UUID                     `gorm:"column:id;type:uuid;primaryKey"`
	RunID      uuid.UUID                     `gorm:"column:run_id;type:uuid;not null;uniqueIndex:ux_enrichment_outcomes_run_property,priority:1"`
	PropertyID uuid.UUID                     `gorm:"column:property_id;type:uuid;not null;uniqueIndex:ux_enrichment_outcomes_run_property,priority:2"`
	Status     enums.EnrichmentOutcomeStatus `gorm:"column:status;type:text;not null"`
	Contacts   json.RawMessage               `gorm:"column:contacts;type:jsonb"`
	Attempts   int                           `gorm:"column:attempts;not null;default:0"`
	Error      *string                       `gorm:"column:error"`
	CreatedAt  time.Time                     `gorm:"column:created_at;autoCreateTime"`
}

func (o *EnrichmentOutcome) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
