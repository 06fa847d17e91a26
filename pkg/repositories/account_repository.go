package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const accountsTable = "crm_accounts"

var accountStruct = database.NewStruct(new(models.CRMAccount))

// AccountRepository handles database operations for CRM accounts
type AccountRepository struct {
	*Repository
}

// NewAccountRepository creates a new CRM account repository
func NewAccountRepository(db database.DB, logger ectologger.Logger) *AccountRepository {
	return &AccountRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert inserts the account for a tenant, or replaces its credentials when
// one already exists. A tenant has at most one account row.
func (r *AccountRepository) Upsert(ctx context.Context, account *models.CRMAccount) error {
	ctx, span := tracing.StartSpan(ctx, "AccountRepository.Upsert")
	defer span.End()

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(accountsTable).
		Cols("id", "tenant_id", "subdomain", "access_token", "refresh_token", "is_active", "created_at", "updated_at").
		Values(account.ID, account.TenantID, account.Subdomain, account.AccessToken, account.RefreshToken, account.IsActive,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.SQL(`ON CONFLICT (tenant_id) DO UPDATE SET
		subdomain = EXCLUDED.subdomain,
		access_token = EXCLUDED.access_token,
		refresh_token = EXCLUDED.refresh_token,
		is_active = EXCLUDED.is_active,
		updated_at = NOW()`)
	ib.SQL("RETURNING id, created_at, updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": account.TenantID,
		}).Error("failed to upsert crm account")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save crm account")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  account.TenantID,
		"account_id": account.ID,
	}).Debugf("Upserted %s", accountsTable)
	return nil
}

// GetActive retrieves the active account for a tenant
func (r *AccountRepository) GetActive(ctx context.Context, tenantID uuid.UUID) (*models.CRMAccount, error) {
	ctx, span := tracing.StartSpan(ctx, "AccountRepository.GetActive")
	defer span.End()

	sb := accountStruct.SelectFrom(accountsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("is_active", true))

	query, args := sb.Build()
	var account models.CRMAccount
	err := r.DB().GetContext(ctx, &account, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no active crm account for tenant %s", tenantID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to get crm account")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get crm account")
	}

	return &account, nil
}

// ListActive retrieves every active account; used to resume integrations on
// startup.
func (r *AccountRepository) ListActive(ctx context.Context) ([]models.CRMAccount, error) {
	ctx, span := tracing.StartSpan(ctx, "AccountRepository.ListActive")
	defer span.End()

	sb := accountStruct.SelectFrom(accountsTable)
	sb.Where(sb.Equal("is_active", true))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var accounts []models.CRMAccount
	err := r.DB().SelectContext(ctx, &accounts, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list active crm accounts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list crm accounts")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"account_count": len(accounts),
	}).Debugf("Listed %s", accountsTable)
	return accounts, nil
}

// UpdateTokens persists a rotated token pair for a tenant's account
func (r *AccountRepository) UpdateTokens(ctx context.Context, tenantID uuid.UUID, accessToken, refreshToken string) error {
	ctx, span := tracing.StartSpan(ctx, "AccountRepository.UpdateTokens")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(accountsTable).
		Set(
			ub.Assign("access_token", accessToken),
			ub.Assign("refresh_token", refreshToken),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("is_active", true))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	var updatedAt sql.NullTime
	err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no active crm account for tenant %s", tenantID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to update crm account tokens")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update crm account tokens")
	}

	return nil
}

// Deactivate disables a tenant's account without discarding it
func (r *AccountRepository) Deactivate(ctx context.Context, tenantID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "AccountRepository.Deactivate")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(accountsTable).
		Set(
			ub.Assign("is_active", false),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to deactivate crm account")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to deactivate crm account")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to deactivate crm account")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no crm account for tenant %s", tenantID)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
	}).Debugf("Deactivated %s", accountsTable)
	return nil
}
