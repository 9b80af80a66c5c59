package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/clock"
	organizationdomain "github.com/meterbill/meterbill/internal/organization/domain"
	projectdomain "github.com/meterbill/meterbill/internal/project/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix      = "mb_live_key_"
	apiKeySecretBytes = 32
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    projectdomain.Repository
	OrgRepo organizationdomain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    projectdomain.Repository
	orgRepo organizationdomain.Repository
}

func New(p Params) projectdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("project.service"),
		clock:   p.Clock,
		repo:    p.Repo,
		orgRepo: p.OrgRepo,
	}
}

func (s *Service) Create(ctx context.Context, req projectdomain.CreateRequest) (*projectdomain.SecretResponse, error) {
	orgID, err := uuid.Parse(strings.TrimSpace(req.OrgID))
	if err != nil || orgID == uuid.Nil {
		return nil, projectdomain.ErrInvalidOrganization
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, projectdomain.ErrInvalidName
	}

	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil || !org.Active {
		return nil, projectdomain.ErrInvalidOrganization
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{projectdomain.ScopeUsageWrite}
	}

	now := s.clock.Now()
	project := projectdomain.Project{
		ID:         uuid.New(),
		OrgID:      orgID,
		Name:       name,
		APIKeyHash: projectdomain.HashAPIKey(rawKey),
		Scopes:     scopes,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, &project); err != nil {
		return nil, err
	}

	s.log.Info("project created",
		zap.String("project_id", project.ID.String()),
		zap.String("org_id", orgID.String()),
	)

	return &projectdomain.SecretResponse{
		ID:     project.ID.String(),
		APIKey: rawKey,
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*projectdomain.Response, error) {
	project, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return toResponse(project), nil
}

func (s *Service) ListByOrg(ctx context.Context, orgID string) ([]projectdomain.Response, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(orgID))
	if err != nil || parsed == uuid.Nil {
		return nil, projectdomain.ErrInvalidOrganization
	}

	projects, err := s.repo.ListByOrg(ctx, parsed)
	if err != nil {
		return nil, err
	}

	resp := make([]projectdomain.Response, 0, len(projects))
	for i := range projects {
		resp = append(resp, *toResponse(&projects[i]))
	}
	return resp, nil
}

func (s *Service) Rotate(ctx context.Context, id string) (*projectdomain.SecretResponse, error) {
	project, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !project.Active {
		return nil, projectdomain.ErrInactive
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	project.APIKeyHash = projectdomain.HashAPIKey(rawKey)
	project.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, project); err != nil {
		return nil, err
	}

	s.log.Info("project api key rotated", zap.String("project_id", project.ID.String()))

	return &projectdomain.SecretResponse{
		ID:     project.ID.String(),
		APIKey: rawKey,
	}, nil
}

func (s *Service) Revoke(ctx context.Context, id string) error {
	project, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}

	project.Active = false
	project.UpdatedAt = s.clock.Now()
	return s.repo.Update(ctx, project)
}

func (s *Service) Authenticate(ctx context.Context, rawKey string) (*projectdomain.Project, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, projectdomain.ErrUnauthenticated
	}

	project, err := s.repo.FindByKeyHash(ctx, projectdomain.HashAPIKey(rawKey))
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, projectdomain.ErrNotFound
	}
	if !project.Active {
		return nil, projectdomain.ErrInactive
	}

	org, err := s.orgRepo.FindByID(ctx, project.OrgID)
	if err != nil {
		return nil, err
	}
	if org == nil || !org.Active {
		return nil, projectdomain.ErrInactive
	}

	if err := s.repo.TouchLastUsed(ctx, project.ID, s.clock.Now()); err != nil {
		s.log.Warn("touch last_used_at failed", zap.Error(err))
	}

	return project, nil
}

func (s *Service) findByID(ctx context.Context, id string) (*projectdomain.Project, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil || parsed == uuid.Nil {
		return nil, projectdomain.ErrInvalidProject
	}

	project, err := s.repo.FindByID(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, projectdomain.ErrNotFound
	}
	return project, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

func toResponse(project *projectdomain.Project) *projectdomain.Response {
	return &projectdomain.Response{
		ID:         project.ID.String(),
		OrgID:      project.OrgID.String(),
		Name:       project.Name,
		Scopes:     project.Scopes,
		Active:     project.Active,
		CreatedAt:  project.CreatedAt,
		LastUsedAt: project.LastUsedAt,
	}
}
