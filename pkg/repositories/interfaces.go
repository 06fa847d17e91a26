package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// AccountRepo defines the interface for CRM account repository operations
type AccountRepo interface {
	Upsert(ctx context.Context, account *models.CRMAccount) error
	GetActive(ctx context.Context, tenantID uuid.UUID) (*models.CRMAccount, error)
	ListActive(ctx context.Context) ([]models.CRMAccount, error)
	UpdateTokens(ctx context.Context, tenantID uuid.UUID, accessToken, refreshToken string) error
	Deactivate(ctx context.Context, tenantID uuid.UUID) error
}

// RuleRepo defines the interface for automation rule repository operations
type RuleRepo interface {
	Create(ctx context.Context, rule *models.AutomationRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error)
	List(ctx context.Context) ([]models.AutomationRule, error)
	ListEnabled(ctx context.Context, tenantID uuid.UUID) ([]models.AutomationRule, error)
	Update(ctx context.Context, rule *models.AutomationRule) error
	Toggle(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
