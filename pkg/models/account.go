package models

import (
	"time"

	"github.com/google/uuid"
)

// CRMAccount holds a tenant's remote CRM credentials.
type CRMAccount struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TenantID     uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Subdomain    string    `db:"subdomain" json:"subdomain"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (CRMAccount) TableName() string {
	return "crm_accounts"
}

// CapabilityStatus is one capability's result in an integration health check.
type CapabilityStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// IntegrationStatus is the crm-status view served to the UI.
type IntegrationStatus struct {
	Connected    bool           `json:"connected"`
	State        string         `json:"state"`
	Subdomain    string         `json:"subdomain,omitempty"`
	TotalLeads   int            `json:"total_leads"`
	Pipeline     map[string]int `json:"pipeline"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
	SyncErrors   int            `json:"sync_errors"`
}
