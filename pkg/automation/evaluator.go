package automation

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ActionExecutor dispatches an automation rule's action. The action content
// is opaque to this package; execution is fire-and-forget.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, rule models.AutomationRule, lead models.Lead) error
}

// Evaluator matches stage-entry events against the tenant's automation
// rules. Rule matching is synchronous with the transition; dispatch runs on
// a goroutine so a slow executor never blocks or fails the stage move.
//
// Firing is not deduplicated across repeated entries into the same stage:
// re-entering a stage fires its rules again.
type Evaluator struct {
	store    *store.Store
	executor ActionExecutor
	logger   ectologger.Logger
}

func NewEvaluator(st *store.Store, executor ActionExecutor, logger ectologger.Logger) *Evaluator {
	return &Evaluator{
		store:    st,
		executor: executor,
		logger:   logger,
	}
}

// LeadEnteredStage fires every enabled rule whose trigger stage matches the
// destination stage's name. Rules on the same stage fire independently.
func (e *Evaluator) LeadEnteredStage(ctx context.Context, lead models.Lead, stage models.Stage) {
	ctx, span := tracing.StartSpan(ctx, "Evaluator.LeadEnteredStage")
	defer span.End()

	if e.executor == nil {
		return
	}

	// Dispatch must outlive the request that caused the transition; the
	// caller's context is canceled as soon as its handler returns.
	dispatchCtx := context.WithoutCancel(ctx)

	for _, rule := range e.store.Rules() {
		if !rule.Enabled {
			continue
		}
		if !strings.EqualFold(rule.TriggerStage, stage.Name) {
			continue
		}

		metrics.AutomationFirings.WithLabelValues(lead.TenantID.String(), rule.ActionType).Inc()
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"rule_id": rule.ID,
			"lead_id": lead.ID,
			"stage":   stage.Name,
		}).Infof("Automation rule '%s' fired", rule.Name)

		go func(rule models.AutomationRule, lead models.Lead) {
			if err := e.executor.ExecuteAction(dispatchCtx, rule, lead); err != nil {
				metrics.AutomationDispatchFailures.WithLabelValues(lead.TenantID.String()).Inc()
				e.logger.WithContext(dispatchCtx).WithError(err).Warnf("automation action dispatch failed for rule %s", rule.ID)
			}
		}(rule, lead)
	}
}
