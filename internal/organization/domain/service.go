package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Create(ctx context.Context, req CreateOrganizationRequest) (*OrganizationResponse, error)
	GetByID(ctx context.Context, id string) (*OrganizationResponse, error)
	List(ctx context.Context, req ListOrganizationsRequest) ([]OrganizationResponse, error)
	Update(ctx context.Context, id string, req UpdateOrganizationRequest) (*OrganizationResponse, error)
	Deactivate(ctx context.Context, id string) error
}

type CreateOrganizationRequest struct {
	Name              string `json:"name"`
	BillingEmail      string `json:"billing_email"`
	PreferredCurrency string `json:"preferred_currency"`
}

type UpdateOrganizationRequest struct {
	Name              *string `json:"name"`
	BillingEmail      *string `json:"billing_email"`
	PreferredCurrency *string `json:"preferred_currency"`
}

type ListOrganizationsRequest struct {
	IncludeInactive bool `form:"include_inactive"`
}

type OrganizationResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Slug              string    `json:"slug"`
	BillingEmail      string    `json:"billing_email"`
	PreferredCurrency string    `json:"preferred_currency"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

var (
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidEmail        = errors.New("invalid_email")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrNotFound            = errors.New("organization_not_found")
	ErrInactive            = errors.New("organization_inactive")
)
