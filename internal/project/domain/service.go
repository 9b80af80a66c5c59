package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ScopeUsageWrite    = "usage:write"
	ScopeBillingManage = "billing:manage"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	GetByID(ctx context.Context, id string) (*Response, error)
	ListByOrg(ctx context.Context, orgID string) ([]Response, error)
	Rotate(ctx context.Context, id string) (*SecretResponse, error)
	Revoke(ctx context.Context, id string) error
	// Authenticate resolves a raw API key to its active project.
	Authenticate(ctx context.Context, rawKey string) (*Project, error)
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, project *Project) error
	Update(ctx context.Context, project *Project) error
	FindByID(ctx context.Context, id uuid.UUID) (*Project, error)
	FindByKeyHash(ctx context.Context, hash string) (*Project, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]Project, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type CreateRequest struct {
	OrgID  string   `json:"org_id"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// SecretResponse carries the raw API key. It is returned exactly once,
// at creation or rotation.
type SecretResponse struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProject      = errors.New("invalid_project")
	ErrNotFound            = errors.New("project_not_found")
	ErrInactive            = errors.New("project_inactive")
	ErrUnauthenticated     = errors.New("unauthenticated")
)
