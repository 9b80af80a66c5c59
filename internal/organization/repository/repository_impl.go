package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/organization/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, org domain.Organization) error {
	return r.db.WithContext(ctx).Create(&org).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

func (r *repository) FindBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.WithContext(ctx).
		Where("slug = ?", slug).
		First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

func (r *repository) List(ctx context.Context, includeInactive bool) ([]domain.Organization, error) {
	var orgs []domain.Organization
	stmt := r.db.WithContext(ctx).Order("created_at ASC")
	if !includeInactive {
		stmt = stmt.Where("active = ?", true)
	}
	if err := stmt.Find(&orgs).Error; err != nil {
		return nil, err
	}
	return orgs, nil
}

func (r *repository) ListActive(ctx context.Context) ([]domain.Organization, error) {
	return r.List(ctx, false)
}

func (r *repository) Update(ctx context.Context, org domain.Organization) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET name = ?, slug = ?, billing_email = ?, preferred_currency = ?, updated_at = ?
		 WHERE id = ?`,
		org.Name,
		org.Slug,
		org.BillingEmail,
		org.PreferredCurrency,
		org.UpdatedAt,
		org.ID,
	).Error
}

func (r *repository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE organizations SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		active,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
