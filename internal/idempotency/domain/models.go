package domain

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyKey records which entity a previously seen key produced.
type IdempotencyKey struct {
	Key         string     `gorm:"primaryKey;type:text"`
	EntityType  string     `gorm:"column:entity_type;type:text;not null"`
	EntityID    uuid.UUID  `gorm:"column:entity_id;type:uuid;not null"`
	RequestHash *string    `gorm:"column:request_hash;type:text"`
	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt   *time.Time `gorm:"column:expires_at;index"`
}

// TableName sets the database table name.
func (IdempotencyKey) TableName() string { return "idempotency_keys" }
