package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsentRecord is the single acknowledgment a user gives before enrichment.
type ConsentRecord struct {
	UserID      uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	ConsentedAt time.Time `gorm:"column:consented_at;not null"`
	ClientHash  string    `gorm:"column:client_hash;not null"`
	ClientAgent string    `gorm:"column:client_agent"`
}
