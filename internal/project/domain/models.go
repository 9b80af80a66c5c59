package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Project is an ingestion principal owned by exactly one organization.
// Only the SHA-256 hash of its API key is stored.
type Project struct {
	ID         uuid.UUID      `gorm:"primaryKey;type:uuid" json:"id"`
	OrgID      uuid.UUID      `gorm:"column:org_id;type:uuid;not null;index" json:"org_id"`
	Name       string         `gorm:"type:text;not null" json:"name"`
	APIKeyHash string         `gorm:"column:api_key_hash;type:text;not null;uniqueIndex:ux_projects_api_key_hash" json:"-"`
	Scopes     pq.StringArray `gorm:"type:text[];not null" json:"scopes"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
}

// TableName sets the database table name.
func (Project) TableName() string { return "projects" }
