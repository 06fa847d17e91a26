package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/google/uuid"
)

// AutomationRule fires an action when a lead enters its trigger stage.
type AutomationRule struct {
	ID           uuid.UUID                      `db:"id" json:"id"`
	TenantID     uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	Name         string                         `db:"name" json:"name"`
	TriggerStage string                         `db:"trigger_stage" json:"trigger_stage"`
	ActionType   string                         `db:"action_type" json:"action_type"`
	Payload      database.JSONB[map[string]any] `db:"payload" json:"payload,omitempty"`
	Enabled      bool                           `db:"enabled" json:"enabled"`
	CreatedAt    time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (AutomationRule) TableName() string {
	return "automation_rules"
}
