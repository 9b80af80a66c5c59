package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	projectdomain "github.com/meterbill/meterbill/internal/project/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) projectdomain.Repository {
	return &repo{db: db}
}

func (r *repo) WithTx(tx *gorm.DB) projectdomain.Repository {
	return &repo{db: tx}
}

func (r *repo) Insert(ctx context.Context, project *projectdomain.Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}

func (r *repo) Update(ctx context.Context, project *projectdomain.Project) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE projects
		 SET name = ?, api_key_hash = ?, scopes = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		project.Name,
		project.APIKeyHash,
		project.Scopes,
		project.Active,
		project.UpdatedAt,
		project.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, id uuid.UUID) (*projectdomain.Project, error) {
	var project projectdomain.Project
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

func (r *repo) FindByKeyHash(ctx context.Context, hash string) (*projectdomain.Project, error) {
	var project projectdomain.Project
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ?", hash).
		First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

func (r *repo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]projectdomain.Project, error) {
	var projects []projectdomain.Project
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func (r *repo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE projects SET last_used_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}
