package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Mutation is a single change applied to the store. The store never rejects
// a mutation; correctness (stage existence and so on) is the caller's
// responsibility.
type Mutation struct {
	Kind      models.MutationKind
	Lead      *models.Lead // create
	LeadID    uuid.UUID    // move, delete
	ToStageID uuid.UUID    // move
}

// Store holds a tenant's merged view of the pipeline, leads, and automation
// rules. It is the single shared mutable resource of a session; the mutex
// makes merges atomic relative to reads.
type Store struct {
	mu           sync.RWMutex
	pipeline     *models.Pipeline
	leads        map[uuid.UUID]models.Lead
	rules        []models.AutomationRule
	lastSyncedAt *time.Time
	syncErrors   int
	lastSyncErr  string
	logger       ectologger.Logger
}

func New(logger ectologger.Logger) *Store {
	return &Store{
		leads:  make(map[uuid.UUID]models.Lead),
		logger: logger,
	}
}

// SetPipeline replaces the pipeline. Used for the local seed and by tests;
// reconciliation replaces it through Merge.
func (s *Store) SetPipeline(p models.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = &p
}

// Pipeline returns a copy of the current pipeline, or nil when none exists.
func (s *Store) Pipeline() *models.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pipeline == nil {
		return nil
	}
	p := *s.pipeline
	p.Stages = append([]models.Stage(nil), s.pipeline.Stages...)
	return &p
}

// Lead returns a copy of the lead with the given id.
func (s *Store) Lead(id uuid.UUID) (models.Lead, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return models.Lead{}, false
	}
	return lead.Clone(), true
}

// Leads returns all leads, newest first.
func (s *Store) Leads() []models.Lead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Lead, 0, len(s.leads))
	for _, lead := range s.leads {
		out = append(out, lead.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Apply applies a lead create, move, or delete in place. A move to a stage
// that does not exist leaves the lead with a dangling stage_id; it stays in
// the store but is excluded from per-stage views until the stage appears.
func (s *Store) Apply(m Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Kind {
	case models.MutationCreate:
		if m.Lead == nil {
			return
		}
		s.leads[m.Lead.ID] = m.Lead.Clone()
	case models.MutationMove:
		lead, ok := s.leads[m.LeadID]
		if !ok {
			return
		}
		lead.StageID = m.ToStageID
		if s.pipeline != nil {
			if stage := s.pipeline.StageByID(m.ToStageID); stage != nil {
				lead.Status = stage.Name
			}
		}
		lead.UpdatedAt = time.Now().UTC()
		s.leads[m.LeadID] = lead
	case models.MutationDelete:
		delete(s.leads, m.LeadID)
	}
}

// ConfirmRemoteID records the id the remote CRM assigned to a locally
// created lead.
func (s *Store) ConfirmRemoteID(leadID uuid.UUID, remoteID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[leadID]
	if !ok {
		return
	}
	lead.RemoteID = remoteID
	s.leads[leadID] = lead
}

// retained reports whether a lead keeps its local value through a merge.
// Local wins while a mutation is unconfirmed; a confirmed mutation newer
// than the snapshot fetch also wins because the snapshot predates it.
func retained(p models.PendingMutation, fetchedAt time.Time) bool {
	if !p.Confirmed {
		return true
	}
	return p.IssuedAt.After(fetchedAt)
}

// Merge replaces the store's pipeline and leads with the remote snapshot,
// except that leads covered by a pending mutation per the rule above retain
// their local value. Locally created leads absent from the snapshot are
// kept while their create is pending.
func (s *Store) Merge(snapshot models.RemoteSnapshot, pending []models.PendingMutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[uuid.UUID]bool, len(pending))
	for _, p := range pending {
		if retained(p, snapshot.FetchedAt) {
			keep[p.LeadID] = true
		}
	}

	if snapshot.Pipeline != nil {
		p := *snapshot.Pipeline
		p.Stages = append([]models.Stage(nil), snapshot.Pipeline.Stages...)
		s.pipeline = &p
	}

	merged := make(map[uuid.UUID]models.Lead, len(snapshot.Leads))
	for _, remote := range snapshot.Leads {
		if keep[remote.ID] {
			continue
		}
		merged[remote.ID] = remote.Clone()
	}
	for id := range keep {
		if local, ok := s.leads[id]; ok {
			merged[id] = local
		}
	}
	s.leads = merged

	if snapshot.SyncedAt != nil {
		s.lastSyncedAt = snapshot.SyncedAt
	} else {
		t := snapshot.FetchedAt
		s.lastSyncedAt = &t
	}
	s.lastSyncErr = ""
}

// SetRules replaces the cached automation rules.
func (s *Store) SetRules(rules []models.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]models.AutomationRule(nil), rules...)
}

// Rules returns the cached automation rules.
func (s *Store) Rules() []models.AutomationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AutomationRule(nil), s.rules...)
}

// RecordSyncFailure notes a failed reconciliation tick. The store itself is
// left untouched.
func (s *Store) RecordSyncFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrors++
	if err != nil {
		s.lastSyncErr = err.Error()
	}
}

// SyncErrors returns the cumulative failed tick count and the most recent
// failure message (empty after a successful merge).
func (s *Store) SyncErrors() (int, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncErrors, s.lastSyncErr
}

// LastSyncedAt returns when the store last merged a snapshot.
func (s *Store) LastSyncedAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSyncedAt == nil {
		return nil
	}
	t := *s.lastSyncedAt
	return &t
}

// LeadsByStage groups leads by stage id. Leads whose stage_id references no
// existing stage are excluded.
func (s *Store) LeadsByStage() map[uuid.UUID][]models.Lead {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID][]models.Lead)
	if s.pipeline == nil {
		return out
	}
	for _, lead := range s.leads {
		if s.pipeline.StageByID(lead.StageID) == nil {
			continue
		}
		out[lead.StageID] = append(out[lead.StageID], lead.Clone())
	}
	for id := range out {
		leads := out[id]
		sort.Slice(leads, func(i, j int) bool {
			return leads[i].CreatedAt.After(leads[j].CreatedAt)
		})
	}
	return out
}

// ValueByStage sums estimated lead value per stage id, excluding dangling
// leads.
func (s *Store) ValueByStage() map[uuid.UUID]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]float64)
	if s.pipeline == nil {
		return out
	}
	for _, lead := range s.leads {
		if s.pipeline.StageByID(lead.StageID) == nil {
			continue
		}
		out[lead.StageID] += lead.Value
	}
	return out
}

// StageLeadCounts counts leads per stage name, for the crm-status summary.
func (s *Store) StageLeadCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	if s.pipeline == nil {
		return out
	}
	for _, lead := range s.leads {
		stage := s.pipeline.StageByID(lead.StageID)
		if stage == nil {
			continue
		}
		out[stage.Name]++
	}
	return out
}

// TotalLeads returns the number of leads in the store.
func (s *Store) TotalLeads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leads)
}

// TerminalStage reports whether a stage name marks terminal success or
// failure. Used only for display hints.
func TerminalStage(name string) (won bool, lost bool) {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "won"), strings.Contains(lower, "lost")
}
