// Package domain contains persistence models for the org service.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Organization represents a tenant.
type Organization struct {
	ID                uuid.UUID         `gorm:"primaryKey;type:uuid" json:"id"`
	Name              string            `gorm:"type:text;not null" json:"name"`
	Slug              string            `gorm:"type:text;not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	BillingEmail      string            `gorm:"type:text;column:billing_email" json:"billing_email"`
	PreferredCurrency string            `gorm:"type:text;column:preferred_currency;not null" json:"preferred_currency"`
	Active            bool              `gorm:"not null;default:true" json:"active"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt         gorm.DeletedAt    `gorm:"index" json:"-"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }
