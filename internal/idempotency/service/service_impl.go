package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meterbill/meterbill/internal/clock"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	"github.com/meterbill/meterbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  idempotencydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  idempotencydomain.Repository
}

func New(p ServiceParam) idempotencydomain.Registry {
	return &Service{
		db:    p.DB,
		log:   p.Log,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Register runs the producer exactly once per key. Replays return the
// stored entity id without invoking the producer. A lost first-time
// race rolls back the loser's work and resolves to the winner's row.
func (s *Service) Register(ctx context.Context, req idempotencydomain.RegisterRequest) (idempotencydomain.RegisterResult, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" || req.EntityType == "" || req.Producer == nil {
		return idempotencydomain.RegisterResult{}, idempotencydomain.ErrInvalidKey
	}

	existing, err := s.repo.Find(ctx, s.db, key)
	if err != nil {
		return idempotencydomain.RegisterResult{}, err
	}
	if existing != nil {
		return s.replay(existing, req.RequestHash)
	}

	record := idempotencydomain.IdempotencyKey{
		Key:        key,
		EntityType: req.EntityType,
		CreatedAt:  s.clock.Now(),
	}
	if req.RequestHash != "" {
		hash := req.RequestHash
		record.RequestHash = &hash
	}
	if req.TTL > 0 {
		expires := s.clock.Now().Add(req.TTL)
		record.ExpiresAt = &expires
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entityID, err := req.Producer(tx)
		if err != nil {
			return err
		}
		record.EntityID = entityID
		return s.repo.Insert(ctx, tx, &record)
	})
	if err == nil {
		return idempotencydomain.RegisterResult{EntityID: record.EntityID}, nil
	}

	if !db.IsDuplicateKeyErr(err) {
		return idempotencydomain.RegisterResult{}, err
	}

	// A unique violation here means another caller won the race, either
	// on the key row itself or on the produced entity's own constraint.
	// The whole transaction rolled back, so resolving to the winner is
	// safe.
	winner, findErr := s.repo.Find(ctx, s.db, key)
	if findErr != nil {
		return idempotencydomain.RegisterResult{}, findErr
	}
	if winner == nil {
		return idempotencydomain.RegisterResult{}, fmt.Errorf("%w: %v", idempotencydomain.ErrConflict, err)
	}
	if req.FailOnConflict {
		return idempotencydomain.RegisterResult{}, idempotencydomain.ErrConflict
	}
	s.log.Debug("idempotency race resolved to winner",
		zap.String("key", key),
		zap.String("entity_type", winner.EntityType),
	)
	return s.replay(winner, req.RequestHash)
}

func (s *Service) replay(record *idempotencydomain.IdempotencyKey, requestHash string) (idempotencydomain.RegisterResult, error) {
	if requestHash != "" && record.RequestHash != nil && *record.RequestHash != "" && *record.RequestHash != requestHash {
		return idempotencydomain.RegisterResult{}, idempotencydomain.ErrRequestMismatch
	}
	return idempotencydomain.RegisterResult{EntityID: record.EntityID, Existing: true}, nil
}

func (s *Service) Lookup(ctx context.Context, key string) (*idempotencydomain.IdempotencyKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, idempotencydomain.ErrInvalidKey
	}
	return s.repo.Find(ctx, s.db, key)
}

func (s *Service) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.db, now)
}
