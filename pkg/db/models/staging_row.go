package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StagingRow is one parsed spreadsheet row awaiting promotion. Rows are
// written in bulk at PARSING and afterwards touched only by the job's runner.
type StagingRow struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	JobID           uuid.UUID       `gorm:"column:job_id;type:uuid;not null;uniqueIndex:ux_staging_rows_job_row,priority:1"`
	RowNum          int             `gorm:"column:row_num;not null;uniqueIndex:ux_staging_rows_job_row,priority:2"`
	Raw             json.RawMessage `gorm:"column:raw;type:jsonb;not null"`
	Address         string          `gorm:"column:address"`
	City            string          `gorm:"column:city"`
	State           string          `gorm:"column:state"`
	Zip             string          `gorm:"column:zip"`
	County          string          `gorm:"column:county"`
	NaturalKey      string          `gorm:"column:natural_key"`
	ViolationType   string          `gorm:"column:violation_type"`
	ViolationStatus string          `gorm:"column:violation_status"`
	CaseNumber      string          `gorm:"column:case_number"`
	OpenedOn        *time.Time      `gorm:"column:opened_on"`
	Normalized      bool            `gorm:"column:normalized;not null;default:false"`
	Processed       bool            `gorm:"column:processed;not null;default:false"`
	PropertyID      *uuid.UUID      `gorm:"column:property_id;type:uuid"`
	RowError        *string         `gorm:"column:row_error"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (StagingRow) TableName() string { return "ingestion_staging_rows" }

func (r *StagingRow) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
