package models

import (
	"time"

	"github.com/google/uuid"
)

// MutationKind identifies the type of a local mutation.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationMove   MutationKind = "move"
	MutationDelete MutationKind = "delete"
)

// PendingMutation is a local change not yet confirmed by the remote CRM.
// Seq is monotonic per lead; a remote completion carrying a lower Seq than
// the latest pending mutation for the lead is stale and must be discarded.
type PendingMutation struct {
	ID        uuid.UUID    `json:"id"`
	LeadID    uuid.UUID    `json:"lead_id"`
	Kind      MutationKind `json:"kind"`
	Seq       uint64       `json:"seq"`
	ToStageID uuid.UUID    `json:"to_stage_id,omitempty"`
	IssuedAt  time.Time    `json:"issued_at"`
	Confirmed bool         `json:"confirmed"`
}

// RemoteSnapshot is one fetch of the remote CRM's view of a tenant.
type RemoteSnapshot struct {
	Pipeline  *Pipeline  `json:"pipeline,omitempty"`
	Leads     []Lead     `json:"leads"`
	FetchedAt time.Time  `json:"fetched_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}
