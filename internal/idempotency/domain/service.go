package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Producer creates the entity guarded by an idempotency key. It runs
// inside the registry's transaction; returning an error rolls back
// both the entity and the key registration.
type Producer func(tx *gorm.DB) (uuid.UUID, error)

// RegisterRequest describes one single-flight registration.
type RegisterRequest struct {
	Key        string
	EntityType string
	// RequestHash fingerprints the request payload. A replay whose hash
	// differs from the stored one is refused instead of answered.
	RequestHash string
	// TTL marks the key for later cleanup. Zero keeps the key forever.
	TTL time.Duration
	// FailOnConflict makes a lost first-time race return ErrConflict
	// instead of the winner's entity id.
	FailOnConflict bool
	Producer       Producer
}

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	EntityID uuid.UUID
	// Existing is true when the key had already produced an entity and
	// the producer was not invoked.
	Existing bool
}

// Registry serializes producers behind an idempotency key.
type Registry interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResult, error)
	// Lookup returns the stored record for a key, or nil when unseen.
	Lookup(ctx context.Context, key string) (*IdempotencyKey, error)
	// Cleanup removes keys whose expiry has passed.
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// Repository persists idempotency keys.
type Repository interface {
	Find(ctx context.Context, db *gorm.DB, key string) (*IdempotencyKey, error)
	Insert(ctx context.Context, db *gorm.DB, record *IdempotencyKey) error
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

var (
	ErrInvalidKey      = errors.New("invalid_idempotency_key")
	ErrConflict        = errors.New("idempotency_conflict")
	ErrRequestMismatch = errors.New("idempotency_request_mismatch")
)
