package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Violation is a code-enforcement record attached to a property.
type Violation struct {
	ID            uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	PropertyID    uuid.UUID  `gorm:"column:property_id;type:uuid;not null;index"`
	JobID         uuid.UUID  `gorm:"column:job_id;type:uuid;not null;index"`
	ViolationType string     `gorm:"column:violation_type"`
	Status        string     `gorm:"column:status"`
	CaseNumber    string     `gorm:"column:case_number"`
	OpenedOn      *time.Time `gorm:"column:opened_on"`
	Fingerprint   string     `gorm:"column:fingerprint;not null;uniqueIndex:ux_violations_fingerprint"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (v *Violation) BeforeCreate(*gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}
