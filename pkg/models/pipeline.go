package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultStageNames is the stage set seeded for a tenant with no pipeline.
var DefaultStageNames = []string{"New", "Contacted", "Qualified", "Proposal", "Negotiation", "Won", "Lost"}

// Pipeline is an ordered set of stages a lead progresses through.
// RemoteID is the id of the corresponding remote CRM pipeline, zero for a
// purely local one.
type Pipeline struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	RemoteID  int64     `json:"remote_id,omitempty"`
	Name      string    `json:"name"`
	IsDefault bool      `json:"is_default"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage is a single step in a pipeline. Order is zero-based and unique
// within a pipeline.
type Stage struct {
	ID         uuid.UUID `json:"id"`
	PipelineID uuid.UUID `json:"pipeline_id"`
	RemoteID   int64     `json:"remote_id,omitempty"`
	Name       string    `json:"name"`
	Order      int       `json:"order"`
}

// StageByID returns the stage with the given id, or nil.
func (p *Pipeline) StageByID(id uuid.UUID) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// FirstStage returns the stage with the lowest order, or nil when the
// pipeline has no stages.
func (p *Pipeline) FirstStage() *Stage {
	var first *Stage
	for i := range p.Stages {
		if first == nil || p.Stages[i].Order < first.Order {
			first = &p.Stages[i]
		}
	}
	return first
}

// NewDefaultPipeline builds the seed pipeline for a tenant.
func NewDefaultPipeline(tenantID uuid.UUID) Pipeline {
	now := time.Now().UTC()
	p := Pipeline{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "Default Sales Pipeline",
		IsDefault: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, name := range DefaultStageNames {
		p.Stages = append(p.Stages, Stage{
			ID:         uuid.New(),
			PipelineID: p.ID,
			Name:       name,
			Order:      i,
		})
	}
	return p
}
