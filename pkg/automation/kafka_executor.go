package automation

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
)

// KafkaExecutor dispatches automation actions as commands on the action
// topic; the messaging/voice subsystems consume them from there. String
// payload values may interpolate lead fields, e.g. "Hi {{ lead.contact_name }}".
type KafkaExecutor struct {
	producer *kafka.Producer
	template *expressions.Template
}

func NewKafkaExecutor(producer *kafka.Producer) *KafkaExecutor {
	return &KafkaExecutor{
		producer: producer,
		template: expressions.NewTemplate(expressions.NewEvaluator()),
	}
}

func (e *KafkaExecutor) ExecuteAction(ctx context.Context, rule models.AutomationRule, lead models.Lead) error {
	return e.producer.PublishAutomationAction(ctx, &kafka.AutomationActionMessage{
		TenantID:   rule.TenantID.String(),
		RuleID:     rule.ID.String(),
		RuleName:   rule.Name,
		LeadID:     lead.ID.String(),
		StageName:  rule.TriggerStage,
		ActionType: rule.ActionType,
		Payload:    renderPayload(e.template, rule.Payload.Data, lead),
	})
}

// renderPayload interpolates lead fields into payload values. A payload that
// fails to render is passed through untouched; a bad template must not stop
// the action.
func renderPayload(template *expressions.Template, payload map[string]any, lead models.Lead) map[string]any {
	if len(payload) == 0 {
		return payload
	}

	data := map[string]any{
		"lead": map[string]any{
			"id":                lead.ID.String(),
			"contact_name":      lead.ContactName,
			"contact_info":      lead.ContactInfo,
			"channel":           lead.Channel,
			"status":            lead.Status,
			"value":             lead.Value,
			"probability_score": lead.ProbabilityScore,
		},
	}

	rendered, err := template.RenderMap(payload, data)
	if err != nil {
		return payload
	}
	return rendered
}
