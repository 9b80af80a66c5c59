package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/organization/domain"
	referencedomain "github.com/meterbill/meterbill/internal/reference/domain"
	"github.com/meterbill/meterbill/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	ref   referencedomain.Repository
	clock clock.Clock
}

func NewService(gdb *gorm.DB, log *zap.Logger, repo domain.Repository, ref referencedomain.Repository, clk clock.Clock) domain.Service {
	return &service{
		db:    gdb,
		log:   log,
		repo:  repo,
		ref:   ref,
		clock: clk,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (*domain.OrganizationResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	email := strings.TrimSpace(req.BillingEmail)
	if email != "" && !strings.Contains(email, "@") {
		return nil, domain.ErrInvalidEmail
	}

	currency := strings.ToUpper(strings.TrimSpace(req.PreferredCurrency))
	if currency == "" {
		return nil, domain.ErrInvalidCurrency
	}
	currencyOK, err := s.currencyExists(ctx, currency)
	if err != nil {
		return nil, err
	}
	if !currencyOK {
		return nil, domain.ErrInvalidCurrency
	}

	now := s.clock.Now()
	org := domain.Organization{
		ID:                uuid.New(),
		Name:              name,
		Slug:              slug.Make(name),
		BillingEmail:      email,
		PreferredCurrency: currency,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.Create(ctx, org); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrInvalidName
		}
		return nil, err
	}

	s.log.Info("organization created",
		zap.String("org_id", org.ID.String()),
		zap.String("slug", org.Slug),
	)

	return toResponse(org), nil
}

func (s *service) GetByID(ctx context.Context, id string) (*domain.OrganizationResponse, error) {
	orgID, err := parseOrgID(id)
	if err != nil {
		return nil, err
	}

	org, err := s.repo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, domain.ErrNotFound
	}
	return toResponse(*org), nil
}

func (s *service) List(ctx context.Context, req domain.ListOrganizationsRequest) ([]domain.OrganizationResponse, error) {
	orgs, err := s.repo.List(ctx, req.IncludeInactive)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.OrganizationResponse, 0, len(orgs))
	for _, org := range orgs {
		resp = append(resp, *toResponse(org))
	}
	return resp, nil
}

func (s *service) Update(ctx context.Context, id string, req domain.UpdateOrganizationRequest) (*domain.OrganizationResponse, error) {
	orgID, err := parseOrgID(id)
	if err != nil {
		return nil, err
	}

	org, err := s.repo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, domain.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		org.Name = name
		org.Slug = slug.Make(name)
	}
	if req.BillingEmail != nil {
		email := strings.TrimSpace(*req.BillingEmail)
		if email != "" && !strings.Contains(email, "@") {
			return nil, domain.ErrInvalidEmail
		}
		org.BillingEmail = email
	}
	if req.PreferredCurrency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*req.PreferredCurrency))
		currencyOK, err := s.currencyExists(ctx, currency)
		if err != nil {
			return nil, err
		}
		if !currencyOK {
			return nil, domain.ErrInvalidCurrency
		}
		org.PreferredCurrency = currency
	}

	org.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, *org); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrInvalidName
		}
		return nil, err
	}
	return toResponse(*org), nil
}

func (s *service) Deactivate(ctx context.Context, id string) error {
	orgID, err := parseOrgID(id)
	if err != nil {
		return err
	}
	return s.repo.SetActive(ctx, orgID, false)
}

func (s *service) currencyExists(ctx context.Context, code string) (bool, error) {
	currencies, err := s.ref.ListCurrencies(ctx)
	if err != nil {
		return false, err
	}
	for _, currency := range currencies {
		if currency.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func parseOrgID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, domain.ErrInvalidOrganization
	}
	return id, nil
}

func toResponse(org domain.Organization) *domain.OrganizationResponse {
	return &domain.OrganizationResponse{
		ID:                org.ID.String(),
		Name:              org.Name,
		Slug:              org.Slug,
		BillingEmail:      org.BillingEmail,
		PreferredCurrency: org.PreferredCurrency,
		Active:            org.Active,
		CreatedAt:         org.CreatedAt,
	}
}
