package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	// DefaultDLQStream is the default dead letter stream name
	DefaultDLQStream = "clover:dlq"

	// DLQMaxLen is the maximum length of the DLQ stream (oldest entries trimmed)
	DLQMaxLen = 10000
)

// DeadLetterQueue records remote CRM writes that were abandoned. Writes are
// best-effort and never retried, so the stream is the only trace of what the
// remote missed.
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

// NewDeadLetterQueue creates a new dead letter queue handler
func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// DLQEntry is one abandoned remote write.
type DLQEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	LeadID       string    `json:"lead_id"`
	Kind         string    `json:"kind"` // "create" | "move"
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// Add appends an abandoned write to the stream.
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Add")
	defer span.End()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = tracing.GetTraceID(ctx)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dlq entry: %w", err)
	}

	id, err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"tenant_id": entry.TenantID,
			"payload":   string(data),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add entry to dead letter queue")
		return "", err
	}

	entry.ID = id
	d.logger.WithContext(ctx).Warnf("Remote write dead-lettered: tenant=%s lead=%s kind=%s err=%s",
		entry.TenantID, entry.LeadID, entry.Kind, entry.ErrorMessage)
	return id, nil
}

// List returns the most recent entries for a tenant, newest first.
func (d *DeadLetterQueue) List(ctx context.Context, tenantID string, limit int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.List")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	// Over-fetch because the stream is shared across tenants.
	messages, err := d.client.rdb.XRevRangeN(ctx, d.streamName, "+", "-", limit*10).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter stream: %w", err)
	}

	entries := make([]DLQEntry, 0, limit)
	for _, msg := range messages {
		if msgTenant, _ := msg.Values["tenant_id"].(string); msgTenant != tenantID {
			continue
		}
		payload, _ := msg.Values["payload"].(string)

		var entry DLQEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Skipping malformed dlq entry %s", msg.ID)
			continue
		}
		entry.ID = msg.ID
		entries = append(entries, entry)

		if int64(len(entries)) >= limit {
			break
		}
	}
	return entries, nil
}

// Remove deletes an entry by stream id.
func (d *DeadLetterQueue) Remove(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Remove")
	defer span.End()

	removed, err := d.client.rdb.XDel(ctx, d.streamName, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove dlq entry %s: %w", id, err)
	}
	if removed == 0 {
		return fmt.Errorf("dlq entry %s not found", id)
	}
	return nil
}

// Length returns the total stream length across all tenants.
func (d *DeadLetterQueue) Length(ctx context.Context) (int64, error) {
	return d.client.rdb.XLen(ctx, d.streamName).Result()
}
