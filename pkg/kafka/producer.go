package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers     []string
	EventTopic  string
	ActionTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, eventTopic string, actionTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:     brokerList,
		EventTopic:  eventTopic,
		ActionTopic: actionTopic,
	}
}

// Producer publishes lead lifecycle events and automation action commands.
type Producer struct {
	eventWriter  *kafka.Writer
	actionWriter *kafka.Writer
	logger       ectologger.Logger
	eventTopic   string
	actionTopic  string
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		// Without this, a first publish may fail with "Unknown Topic Or Partition".
		AllowAutoTopicCreation: true,
	}
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	return &Producer{
		eventWriter:  newWriter(cfg.Brokers, cfg.EventTopic),
		actionWriter: newWriter(cfg.Brokers, cfg.ActionTopic),
		logger:       logger,
		eventTopic:   cfg.EventTopic,
		actionTopic:  cfg.ActionTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	var firstErr error
	if err := p.eventWriter.Close(); err != nil {
		firstErr = err
	}
	if p.actionWriter != nil {
		if err := p.actionWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LeadEventMessage is a lead lifecycle event for downstream consumers.
type LeadEventMessage struct {
	Type     string `json:"type"` // "lead.created" | "lead.stage_changed" | "lead.deleted"
	TenantID string `json:"tenant_id"`
	LeadID   string `json:"lead_id"`
	StageID  string `json:"stage_id,omitempty"`
	// FromStageID is set on stage_changed events
	FromStageID string    `json:"from_stage_id,omitempty"`
	StageName   string    `json:"stage_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// AutomationActionMessage is a command for an automation action worker.
type AutomationActionMessage struct {
	TenantID   string         `json:"tenant_id"`
	RuleID     string         `json:"rule_id"`
	RuleName   string         `json:"rule_name"`
	LeadID     string         `json:"lead_id"`
	StageName  string         `json:"stage_name"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

func traceHeaders(ctx context.Context, base []kafka.Header) []kafka.Header {
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		base = append(base, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		base = append(base, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}
	return base
}

// PublishLeadEvent publishes a lead lifecycle event to the event topic.
func (p *Producer) PublishLeadEvent(ctx context.Context, evt *LeadEventMessage) error {
	if evt == nil {
		return fmt.Errorf("lead event is nil")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishLeadEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.eventTopic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", evt.TenantID),
		attribute.String("lead_id", evt.LeadID),
		attribute.String("type", evt.Type),
	)

	evt.TraceID = tracing.GetTraceID(ctx)
	evt.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal lead event")
		return fmt.Errorf("failed to marshal lead event: %w", err)
	}

	// Key on tenant + lead so events for one lead stay ordered within a partition.
	key := fmt.Sprintf("%s:%s", evt.TenantID, evt.LeadID)
	headers := traceHeaders(ctx, []kafka.Header{
		{Key: "tenant_id", Value: []byte(evt.TenantID)},
		{Key: "lead_id", Value: []byte(evt.LeadID)},
		{Key: "type", Value: []byte(evt.Type)},
	})

	if err := p.eventWriter.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish lead event to Kafka topic %s", p.eventTopic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published lead event to Kafka: type=%s lead=%s trace=%s",
		evt.Type, evt.LeadID, evt.TraceID)

	return nil
}

// PublishAutomationAction publishes an automation action command to the action topic.
func (p *Producer) PublishAutomationAction(ctx context.Context, msg *AutomationActionMessage) error {
	if msg == nil {
		return fmt.Errorf("automation action is nil")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishAutomationAction")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.actionTopic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("rule_id", msg.RuleID),
		attribute.String("lead_id", msg.LeadID),
		attribute.String("action_type", msg.ActionType),
	)

	msg.TraceID = tracing.GetTraceID(ctx)
	msg.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := fmt.Sprintf("%s:%s", msg.TenantID, msg.LeadID)
	headers := traceHeaders(ctx, []kafka.Header{
		{Key: "tenant_id", Value: []byte(msg.TenantID)},
		{Key: "rule_id", Value: []byte(msg.RuleID)},
		{Key: "lead_id", Value: []byte(msg.LeadID)},
		{Key: "action_type", Value: []byte(msg.ActionType)},
	})

	if p.actionWriter == nil {
		return fmt.Errorf("actionWriter is nil (action topic not configured)")
	}

	if err := p.actionWriter.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish automation action to Kafka topic %s", p.actionTopic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published automation action to Kafka: rule=%s lead=%s action=%s trace=%s",
		msg.RuleID, msg.LeadID, msg.ActionType, msg.TraceID)
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() kafka.WriterStats {
	return p.eventWriter.Stats()
}
