package repository

import (
	"context"
	"errors"
	"time"

	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() idempotencydomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, key string) (*idempotencydomain.IdempotencyKey, error) {
	var record idempotencydomain.IdempotencyKey
	err := db.WithContext(ctx).
		Where("key = ?", key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *idempotencydomain.IdempotencyKey) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&idempotencydomain.IdempotencyKey{})
	return result.RowsAffected, result.Error
}
