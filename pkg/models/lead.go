package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultProbabilityScore is assigned to operator-created leads.
	DefaultProbabilityScore = 50.0
)

// Lead is a sales lead on the kanban board. StageID may reference a stage
// that no longer exists after a remote pipeline change; such leads are kept
// but excluded from per-stage views.
type Lead struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	// RemoteID is the id assigned by the remote CRM, zero until the remote
	// create is confirmed.
	RemoteID         int64          `json:"remote_id,omitempty"`
	ContactName      string         `json:"contact_name"`
	ContactInfo      map[string]any `json:"contact_info,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	StageID          uuid.UUID      `json:"stage_id"`
	Status           string         `json:"status"`
	ProbabilityScore float64        `json:"probability_score"`
	Value            float64        `json:"value"`
	SyncError        string         `json:"sync_error,omitempty"`
	LastSyncedAt     *time.Time     `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the lead.
func (l Lead) Clone() Lead {
	out := l
	if l.ContactInfo != nil {
		out.ContactInfo = make(map[string]any, len(l.ContactInfo))
		for k, v := range l.ContactInfo {
			out.ContactInfo[k] = v
		}
	}
	if l.LastSyncedAt != nil {
		t := *l.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}
