package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service records audit trail entries. Storage only: the pipeline has
// no read surface for the trail.
type Service interface {
	AuditLog(ctx context.Context, orgID *uuid.UUID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
}

var (
	ErrInvalidAction = errors.New("invalid_action")
)
