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

const rulesTable = "automation_rules"

var ruleStruct = database.NewStruct(new(models.AutomationRule))

// RuleRepository handles database operations for automation rules
type RuleRepository struct {
	*Repository
}

// NewRuleRepository creates a new automation rule repository
func NewRuleRepository(db database.DB, logger ectologger.Logger) *RuleRepository {
	return &RuleRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new automation rule
func (r *RuleRepository) Create(ctx context.Context, rule *models.AutomationRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	rule.TenantID = tenantID

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(rulesTable).
		Cols("id", "tenant_id", "name", "trigger_stage", "action_type", "payload", "enabled", "created_at", "updated_at").
		Values(rule.ID, rule.TenantID, rule.Name, rule.TriggerStage, rule.ActionType, rule.Payload, rule.Enabled,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowxContext(ctx, query, args...).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": rule.ID,
		}).Error("failed to create automation rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create automation rule")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": rule.ID,
	}).Debugf("Created %s", rulesTable)
	return nil
}

// GetByID retrieves an automation rule by ID (tenant-scoped)
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var rule models.AutomationRule
	err = r.DB().GetContext(ctx, &rule, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "automation rule %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to get automation rule")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get automation rule")
	}

	return &rule, nil
}

// List retrieves all automation rules for the current tenant
func (r *RuleRepository) List(ctx context.Context) ([]models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var rules []models.AutomationRule
	err = r.DB().SelectContext(ctx, &rules, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list automation rules")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list automation rules")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_count": len(rules),
	}).Debugf("Listed %s", rulesTable)
	return rules, nil
}

// ListEnabled retrieves the enabled rules for a tenant. The poller calls this
// outside a request context, so the tenant id is explicit.
func (r *RuleRepository) ListEnabled(ctx context.Context, tenantID uuid.UUID) ([]models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.ListEnabled")
	defer span.End()

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("enabled", true))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var rules []models.AutomationRule
	err := r.DB().SelectContext(ctx, &rules, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to list enabled automation rules")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list automation rules")
	}

	return rules, nil
}

// Update updates an existing automation rule
func (r *RuleRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Update")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("name", rule.Name),
			ub.Assign("trigger_stage", rule.TriggerStage),
			ub.Assign("action_type", rule.ActionType),
			ub.Assign("payload", rule.Payload),
			ub.Assign("enabled", rule.Enabled),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", rule.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err = r.DB().QueryRowxContext(ctx, query, args...).Scan(&rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "automation rule %s does not exist", rule.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": rule.ID,
		}).Error("failed to update automation rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update automation rule")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": rule.ID,
	}).Debugf("Updated %s", rulesTable)
	return nil
}

// Toggle flips a rule's enabled flag and returns the updated rule. The read
// and the write share a transaction with the row locked, so two concurrent
// toggles cannot both observe the same starting value.
func (r *RuleRepository) Toggle(ctx context.Context, id uuid.UUID) (*models.AutomationRule, error) {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Toggle")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	txCtx, tx, err := database.GetTx(ctx, r.logger, r.DB(), nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to toggle automation rule")
	}
	defer tx.Rollback(ctx)

	sb := ruleStruct.SelectFrom(rulesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))
	sb.SQL("FOR UPDATE")

	query, args := sb.Build()
	var rule models.AutomationRule
	err = tx.GetContext(txCtx, &rule, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "automation rule %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to toggle automation rule")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to toggle automation rule")
	}

	ub := database.NewUpdateBuilder()
	ub.Update(rulesTable).
		Set(
			ub.Assign("enabled", !rule.Enabled),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))
	ub.SQL("RETURNING updated_at")

	query, args = ub.Build()
	if err := tx.QueryRowxContext(txCtx, query, args...).Scan(&rule.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to toggle automation rule")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to toggle automation rule")
	}
	rule.Enabled = !rule.Enabled

	if err := tx.Commit(txCtx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to toggle automation rule")
	}

	return &rule, nil
}

// Delete deletes an automation rule by ID
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RuleRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(rulesTable).
		Where(db.Equal("tenant_id", tenantID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id": id,
		}).Error("failed to delete automation rule")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete automation rule")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete automation rule")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "automation rule %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id": id,
	}).Debugf("Deleted %s", rulesTable)
	return nil
}
