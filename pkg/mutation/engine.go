package mutation

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// RemoteWriter performs best-effort writes against the remote CRM.
type RemoteWriter interface {
	CreateLead(ctx context.Context, lead models.Lead) (int64, error)
	UpdateLeadStage(ctx context.Context, lead models.Lead, stage models.Stage) error
}

// ConnectionGate reports whether the integration is connected. While it is
// not, the engine applies mutations locally and skips remote writes.
type ConnectionGate interface {
	Connected() bool
}

// TransitionHandler receives stage-entry events. The automation evaluator
// implements this.
type TransitionHandler interface {
	LeadEnteredStage(ctx context.Context, lead models.Lead, stage models.Stage)
}

// EventPublisher publishes lead lifecycle events for downstream consumers.
type EventPublisher interface {
	PublishLeadCreated(ctx context.Context, lead models.Lead)
	PublishLeadStageChanged(ctx context.Context, lead models.Lead, fromStageID uuid.UUID, stage models.Stage)
	PublishLeadDeleted(ctx context.Context, lead models.Lead)
}

// CreateLeadInput are the operator-supplied fields for a new lead.
type CreateLeadInput struct {
	ContactName      string
	ContactInfo      map[string]any
	Channel          string
	StageID          *uuid.UUID
	ProbabilityScore *float64
	Value            *float64
}

// Engine applies optimistic local mutations and tracks in-flight remote
// confirmations. Mutations take effect in the store immediately; remote
// writes run on goroutines and failures are never retried or rolled back.
//
// Remote writes are serialized per lead: at most one write is in flight for
// a lead, and when it completes the newest still-unwritten mutation is
// issued next. A completion carrying an older sequence number than the
// latest pending mutation never confirms it, so the remote converges on
// the newest local value (last write wins per entity).
type Engine struct {
	tenantID    uuid.UUID
	store       *store.Store
	remote      RemoteWriter
	gate        ConnectionGate
	transitions TransitionHandler
	events      EventPublisher
	logger      ectologger.Logger

	mu        sync.Mutex
	seqs      map[uuid.UUID]uint64
	pending   map[uuid.UUID]models.PendingMutation
	inflight  map[uuid.UUID]uint64
	attempted map[uuid.UUID]uint64
}

func NewEngine(
	tenantID uuid.UUID,
	st *store.Store,
	remote RemoteWriter,
	gate ConnectionGate,
	transitions TransitionHandler,
	events EventPublisher,
	logger ectologger.Logger,
) *Engine {
	return &Engine{
		tenantID:    tenantID,
		store:       st,
		remote:      remote,
		gate:        gate,
		transitions: transitions,
		events:      events,
		logger:      logger,
		seqs:        make(map[uuid.UUID]uint64),
		pending:     make(map[uuid.UUID]models.PendingMutation),
		inflight:    make(map[uuid.UUID]uint64),
		attempted:   make(map[uuid.UUID]uint64),
	}
}

// CreateLead assigns a local id, inserts the lead at the requested stage or
// the pipeline's first stage, and attempts the remote create in the
// background. Operator defaults: probability score 50, value 0.
func (e *Engine) CreateLead(ctx context.Context, input CreateLeadInput) (models.Lead, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.CreateLead")
	defer span.End()

	pipeline := e.store.Pipeline()
	if pipeline == nil {
		return models.Lead{}, httperror.NewHTTPError(http.StatusConflict, "no pipeline exists for tenant")
	}

	stageID := uuid.Nil
	if input.StageID != nil {
		stage := pipeline.StageByID(*input.StageID)
		if stage == nil {
			return models.Lead{}, httperror.NewHTTPErrorf(http.StatusBadRequest, "stage %s does not exist", *input.StageID)
		}
		stageID = stage.ID
	} else if first := pipeline.FirstStage(); first != nil {
		stageID = first.ID
	}

	score := models.DefaultProbabilityScore
	if input.ProbabilityScore != nil {
		score = *input.ProbabilityScore
	}
	value := 0.0
	if input.Value != nil {
		value = *input.Value
	}

	now := time.Now().UTC()
	lead := models.Lead{
		ID:               uuid.New(),
		TenantID:         e.tenantID,
		ContactName:      input.ContactName,
		ContactInfo:      input.ContactInfo,
		Channel:          input.Channel,
		StageID:          stageID,
		ProbabilityScore: score,
		Value:            value,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if stage := pipeline.StageByID(stageID); stage != nil {
		lead.Status = stage.Name
	}

	e.store.Apply(store.Mutation{Kind: models.MutationCreate, Lead: &lead})
	e.register(lead.ID, models.MutationCreate, stageID)
	metrics.RecordMutation(e.tenantID.String(), string(models.MutationCreate))

	if e.events != nil {
		e.events.PublishLeadCreated(ctx, lead)
	}

	// Creating a lead directly into a stage is not a transition; automation
	// rules do not fire here.

	e.maybeIssue(context.WithoutCancel(ctx), lead.ID)

	return lead, nil
}

// MoveLead updates the lead's stage synchronously, fires stage-entry
// automation, and attempts the remote stage write in the background. Moving
// a lead onto its current stage is a no-op.
func (e *Engine) MoveLead(ctx context.Context, leadID, targetStageID uuid.UUID) (models.Lead, error) {
	ctx, span := tracing.StartSpan(ctx, "Engine.MoveLead")
	defer span.End()

	lead, ok := e.store.Lead(leadID)
	if !ok {
		return models.Lead{}, httperror.NewHTTPErrorf(http.StatusNotFound, "lead %s does not exist", leadID)
	}

	pipeline := e.store.Pipeline()
	if pipeline == nil {
		return models.Lead{}, httperror.NewHTTPError(http.StatusConflict, "no pipeline exists for tenant")
	}
	stage := pipeline.StageByID(targetStageID)
	if stage == nil {
		return models.Lead{}, httperror.NewHTTPErrorf(http.StatusBadRequest, "stage %s does not exist", targetStageID)
	}

	if lead.StageID == targetStageID {
		return lead, nil
	}
	fromStageID := lead.StageID

	e.store.Apply(store.Mutation{Kind: models.MutationMove, LeadID: leadID, ToStageID: targetStageID})
	e.register(leadID, models.MutationMove, targetStageID)
	metrics.RecordMutation(e.tenantID.String(), string(models.MutationMove))

	moved, _ := e.store.Lead(leadID)

	if e.transitions != nil {
		e.transitions.LeadEnteredStage(ctx, moved, *stage)
	}
	if e.events != nil {
		e.events.PublishLeadStageChanged(ctx, moved, fromStageID, *stage)
	}

	e.maybeIssue(context.WithoutCancel(ctx), leadID)

	return moved, nil
}

// DeleteLead removes the lead locally and registers a delete tombstone.
// Remote archival is an external collaborator concern; no remote write is
// attempted.
func (e *Engine) DeleteLead(ctx context.Context, leadID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "Engine.DeleteLead")
	defer span.End()

	lead, ok := e.store.Lead(leadID)
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "lead %s does not exist", leadID)
	}

	e.store.Apply(store.Mutation{Kind: models.MutationDelete, LeadID: leadID})
	metrics.RecordMutation(e.tenantID.String(), string(models.MutationDelete))

	// No remote write follows a delete, so the tombstone is confirmed at
	// registration. It keeps a snapshot fetched before the delete from
	// resurrecting the lead on merge; it supersedes any in-flight write for
	// the lead and is pruned like any confirmed mutation.
	e.mu.Lock()
	e.seqs[leadID]++
	e.pending[leadID] = models.PendingMutation{
		ID:        uuid.New(),
		LeadID:    leadID,
		Kind:      models.MutationDelete,
		Seq:       e.seqs[leadID],
		IssuedAt:  time.Now().UTC(),
		Confirmed: true,
	}
	e.mu.Unlock()

	if e.events != nil {
		e.events.PublishLeadDeleted(ctx, lead)
	}
	return nil
}

// Pending returns a copy of the pending-mutation table. The reconciliation
// poller reads it during merge; only the engine mutates it.
func (e *Engine) Pending() []models.PendingMutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.PendingMutation, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	return out
}

// Prune drops confirmed mutations issued before the given time. Called by
// the poller after a successful merge so the table does not grow without
// bound.
func (e *Engine) Prune(before time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.pending {
		if p.Confirmed && p.IssuedAt.Before(before) {
			delete(e.pending, id)
		}
	}
}

// register assigns the next sequence number for the lead and replaces any
// older pending mutation (last write wins per entity).
func (e *Engine) register(leadID uuid.UUID, kind models.MutationKind, toStageID uuid.UUID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqs[leadID]++
	seq := e.seqs[leadID]
	e.pending[leadID] = models.PendingMutation{
		ID:        uuid.New(),
		LeadID:    leadID,
		Kind:      kind,
		Seq:       seq,
		ToStageID: toStageID,
		IssuedAt:  time.Now().UTC(),
	}
	return seq
}

// maybeIssue starts a remote write for the lead's latest pending mutation
// if the integration is connected, nothing is in flight for the lead, and
// that mutation has not been attempted yet.
func (e *Engine) maybeIssue(ctx context.Context, leadID uuid.UUID) {
	if !e.gate.Connected() {
		return
	}

	e.mu.Lock()
	p, ok := e.pending[leadID]
	if !ok || p.Confirmed || e.inflight[leadID] != 0 || p.Seq <= e.attempted[leadID] {
		e.mu.Unlock()
		return
	}
	e.inflight[leadID] = p.Seq
	e.attempted[leadID] = p.Seq
	e.mu.Unlock()

	lead, ok := e.store.Lead(leadID)
	if !ok {
		e.clearInflight(leadID)
		return
	}

	switch p.Kind {
	case models.MutationCreate:
		go e.remoteCreate(ctx, lead, p.Seq)
	case models.MutationMove:
		pipeline := e.store.Pipeline()
		if pipeline == nil {
			e.clearInflight(leadID)
			return
		}
		stage := pipeline.StageByID(p.ToStageID)
		if stage == nil {
			e.clearInflight(leadID)
			return
		}
		go e.remoteMove(ctx, lead, *stage, p.Seq)
	default:
		e.clearInflight(leadID)
	}
}

func (e *Engine) clearInflight(leadID uuid.UUID) {
	e.mu.Lock()
	delete(e.inflight, leadID)
	e.mu.Unlock()
}

// writeCompleted clears the in-flight slot and, on success, confirms the
// pending mutation when the completed write is still the latest. A success
// for a superseded sequence is counted as a stale write and discarded.
func (e *Engine) writeCompleted(leadID uuid.UUID, seq uint64, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[leadID] == seq {
		delete(e.inflight, leadID)
	}
	if !success {
		return
	}

	p, ok := e.pending[leadID]
	if !ok {
		return
	}
	if p.Seq == seq {
		p.Confirmed = true
		e.pending[leadID] = p
		return
	}
	if p.Seq > seq {
		metrics.StaleWritesTotal.WithLabelValues(e.tenantID.String()).Inc()
	}
}

func (e *Engine) remoteCreate(ctx context.Context, lead models.Lead, seq uint64) {
	remoteID, err := e.remote.CreateLead(ctx, lead)
	if err != nil {
		metrics.RemoteWriteFailures.WithLabelValues(e.tenantID.String(), string(models.MutationCreate)).Inc()
		e.logger.WithContext(ctx).WithError(err).Warnf("remote create failed for lead %s, keeping local value", lead.ID)
		e.writeCompleted(lead.ID, seq, false)
		// A newer queued mutation still gets its first attempt; the failed
		// one is not retried.
		e.maybeIssue(ctx, lead.ID)
		return
	}

	// The remote id is recorded even if the create was superseded; the
	// queued stage write needs it.
	e.store.ConfirmRemoteID(lead.ID, remoteID)
	e.writeCompleted(lead.ID, seq, true)

	e.maybeIssue(ctx, lead.ID)
}

func (e *Engine) remoteMove(ctx context.Context, lead models.Lead, stage models.Stage, seq uint64) {
	if err := e.remote.UpdateLeadStage(ctx, lead, stage); err != nil {
		metrics.RemoteWriteFailures.WithLabelValues(e.tenantID.String(), string(models.MutationMove)).Inc()
		e.logger.WithContext(ctx).WithError(err).Warnf("remote stage write failed for lead %s, keeping local value", lead.ID)
		e.writeCompleted(lead.ID, seq, false)
		e.maybeIssue(ctx, lead.ID)
		return
	}

	e.writeCompleted(lead.ID, seq, true)
	e.maybeIssue(ctx, lead.ID)
}
