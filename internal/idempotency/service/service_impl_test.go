package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/clock"
	idempotencydomain "github.com/meterbill/meterbill/internal/idempotency/domain"
	"github.com/meterbill/meterbill/internal/idempotency/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openRegistryDB(t *testing.T, maxConns int) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	return db
}

func setupRegistry(t *testing.T) (idempotencydomain.Registry, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := openRegistryDB(t, 1)
	require.NoError(t, db.AutoMigrate(&idempotencydomain.IdempotencyKey{}))
	require.NoError(t, db.Exec(`CREATE TABLE artifacts (id TEXT PRIMARY KEY)`).Error)

	fake := clock.NewFakeClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	registry := New(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return registry, db, fake
}

func insertArtifact(tx *gorm.DB) (uuid.UUID, error) {
	id := uuid.New()
	if err := tx.Exec(`INSERT INTO artifacts (id) VALUES (?)`, id.String()).Error; err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func TestRegisterFirstCallRunsProducer(t *testing.T) {
	registry, db, _ := setupRegistry(t)
	ctx := context.Background()

	calls := 0
	result, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "invoice:org-1:2024:1",
		EntityType: "invoice",
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			calls++
			return insertArtifact(tx)
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Existing)
	assert.NotEqual(t, uuid.Nil, result.EntityID)
	assert.Equal(t, 1, calls)

	record, err := registry.Lookup(ctx, "invoice:org-1:2024:1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, result.EntityID, record.EntityID)
	assert.Equal(t, "invoice", record.EntityType)

	var artifacts int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM artifacts`).Scan(&artifacts).Error)
	assert.Equal(t, int64(1), artifacts)
}

func TestRegisterReplayReturnsStored(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()

	first, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k1",
		EntityType: "invoice",
		Producer:   insertArtifact,
	})
	require.NoError(t, err)

	calls := 0
	second, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k1",
		EntityType: "invoice",
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			calls++
			return insertArtifact(tx)
		},
	})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, 0, calls)
}

func TestRegisterProducerErrorRollsBack(t *testing.T) {
	registry, db, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k-fail",
		EntityType: "invoice",
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			if _, err := insertArtifact(tx); err != nil {
				return uuid.Nil, err
			}
			return uuid.Nil, fmt.Errorf("producer blew up")
		},
	})
	require.Error(t, err)

	record, err := registry.Lookup(ctx, "k-fail")
	require.NoError(t, err)
	assert.Nil(t, record)

	var artifacts int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM artifacts`).Scan(&artifacts).Error)
	assert.Equal(t, int64(0), artifacts)
}

func TestRegisterRequestHashMismatch(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:         "k-hash",
		EntityType:  "payment",
		RequestHash: "hash-a",
		Producer:    insertArtifact,
	})
	require.NoError(t, err)

	_, err = registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:         "k-hash",
		EntityType:  "payment",
		RequestHash: "hash-b",
		Producer:    insertArtifact,
	})
	assert.ErrorIs(t, err, idempotencydomain.ErrRequestMismatch)

	same, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:         "k-hash",
		EntityType:  "payment",
		RequestHash: "hash-a",
		Producer:    insertArtifact,
	})
	require.NoError(t, err)
	assert.True(t, same.Existing)

	unhashed, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k-hash",
		EntityType: "payment",
		Producer:   insertArtifact,
	})
	require.NoError(t, err)
	assert.True(t, unhashed.Existing)
}

func TestRegisterLostRaceResolvesToWinner(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()

	// Second handle on the same database simulates a concurrent caller
	// committing the key while our transaction is still open.
	sideDB := openRegistryDB(t, 1)
	winnerID := uuid.New()

	result, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k-race",
		EntityType: "invoice",
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			err := sideDB.Exec(
				`INSERT INTO idempotency_keys (key, entity_type, entity_id, created_at) VALUES (?, ?, ?, ?)`,
				"k-race", "invoice", winnerID, time.Now().UTC(),
			).Error
			if err != nil {
				return uuid.Nil, err
			}
			return uuid.New(), nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Existing)
	assert.Equal(t, winnerID, result.EntityID)
}

func TestRegisterLostRaceFailOnConflict(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()

	sideDB := openRegistryDB(t, 1)

	_, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:            "k-race-strict",
		EntityType:     "invoice",
		FailOnConflict: true,
		Producer: func(tx *gorm.DB) (uuid.UUID, error) {
			err := sideDB.Exec(
				`INSERT INTO idempotency_keys (key, entity_type, entity_id, created_at) VALUES (?, ?, ?, ?)`,
				"k-race-strict", "invoice", uuid.New(), time.Now().UTC(),
			).Error
			if err != nil {
				return uuid.Nil, err
			}
			return uuid.New(), nil
		},
	})
	assert.ErrorIs(t, err, idempotencydomain.ErrConflict)
}

func TestRegisterConcurrentCallersConverge(t *testing.T) {
	registry, db, _ := setupRegistry(t)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	results := make([]idempotencydomain.RegisterResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot], errs[slot] = registry.Register(ctx, idempotencydomain.RegisterRequest{
				Key:        "k-concurrent",
				EntityType: "invoice",
				Producer:   insertArtifact,
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].EntityID, results[i].EntityID)
		if !results[i].Existing {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	var artifacts int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM artifacts`).Scan(&artifacts).Error)
	assert.Equal(t, int64(1), artifacts)
}

func TestCleanupRemovesExpiredKeys(t *testing.T) {
	registry, _, fake := setupRegistry(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k-expiring",
		EntityType: "event",
		TTL:        24 * time.Hour,
		Producer:   insertArtifact,
	})
	require.NoError(t, err)

	_, err = registry.Register(ctx, idempotencydomain.RegisterRequest{
		Key:        "k-forever",
		EntityType: "event",
		Producer:   insertArtifact,
	})
	require.NoError(t, err)

	fake.Advance(25 * time.Hour)
	deleted, err := registry.Cleanup(ctx, fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	expired, err := registry.Lookup(ctx, "k-expiring")
	require.NoError(t, err)
	assert.Nil(t, expired)

	kept, err := registry.Lookup(ctx, "k-forever")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
