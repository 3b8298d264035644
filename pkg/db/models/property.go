package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Property is a canonical parcel identified by its normalized address key.
type Property struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Address    string    `gorm:"column:address;not null"`
	City       string    `gorm:"column:city;not null;index:idx_properties_city_state,priority:1"`
	State      string    `gorm:"column:state;not null;index:idx_properties_city_state,priority:2"`
	Zip        string    `gorm:"column:zip"`
	County     string    `gorm:"column:county"`
	NaturalKey string    `gorm:"column:natural_key;not null;uniqueIndex:ux_properties_natural_key"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Property) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
