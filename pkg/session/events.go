package session

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
)

// leadEventPublisher forwards engine events to the Kafka event topic.
// Publishing is best effort; a broker outage never fails a local mutation.
type leadEventPublisher struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

func newLeadEventPublisher(producer *kafka.Producer, logger ectologger.Logger) *leadEventPublisher {
	return &leadEventPublisher{producer: producer, logger: logger}
}

func (p *leadEventPublisher) PublishLeadCreated(ctx context.Context, lead models.Lead) {
	p.publish(ctx, &kafka.LeadEventMessage{
		Type:     "lead.created",
		TenantID: lead.TenantID.String(),
		LeadID:   lead.ID.String(),
		StageID:  lead.StageID.String(),
	})
}

func (p *leadEventPublisher) PublishLeadStageChanged(ctx context.Context, lead models.Lead, fromStageID uuid.UUID, stage models.Stage) {
	p.publish(ctx, &kafka.LeadEventMessage{
		Type:        "lead.stage_changed",
		TenantID:    lead.TenantID.String(),
		LeadID:      lead.ID.String(),
		StageID:     stage.ID.String(),
		FromStageID: fromStageID.String(),
		StageName:   stage.Name,
	})
}

func (p *leadEventPublisher) PublishLeadDeleted(ctx context.Context, lead models.Lead) {
	p.publish(ctx, &kafka.LeadEventMessage{
		Type:     "lead.deleted",
		TenantID: lead.TenantID.String(),
		LeadID:   lead.ID.String(),
	})
}

func (p *leadEventPublisher) publish(ctx context.Context, evt *kafka.LeadEventMessage) {
	if err := p.producer.PublishLeadEvent(ctx, evt); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish %s event for lead %s", evt.Type, evt.LeadID)
	}
}
