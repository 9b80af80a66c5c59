package domain

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, org Organization) error
	FindByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	List(ctx context.Context, includeInactive bool) ([]Organization, error)
	ListActive(ctx context.Context) ([]Organization, error)
	Update(ctx context.Context, org Organization) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
