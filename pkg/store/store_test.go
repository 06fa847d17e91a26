package store

import (
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testPipeline(t *testing.T) models.Pipeline {
	t.Helper()
	return models.NewDefaultPipeline(uuid.New())
}

func testLead(stageID uuid.UUID, createdAt time.Time) models.Lead {
	return models.Lead{
		ID:        uuid.New(),
		ContactName: "Acme Corp",
		StageID:   stageID,
		Status:    "New",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestApplyCreateAndMove(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	lead := testLead(pipeline.Stages[0].ID, time.Now().UTC())
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &lead})

	got, ok := s.Lead(lead.ID)
	require.True(t, ok)
	assert.Equal(t, pipeline.Stages[0].ID, got.StageID)

	s.Apply(Mutation{Kind: models.MutationMove, LeadID: lead.ID, ToStageID: pipeline.Stages[2].ID})

	got, ok = s.Lead(lead.ID)
	require.True(t, ok)
	assert.Equal(t, pipeline.Stages[2].ID, got.StageID)
	assert.Equal(t, "Qualified", got.Status)
}

func TestApplyMoveToUnknownStageLeavesLeadDangling(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	lead := testLead(pipeline.Stages[0].ID, time.Now().UTC())
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &lead})
	s.Apply(Mutation{Kind: models.MutationMove, LeadID: lead.ID, ToStageID: uuid.New()})

	_, ok := s.Lead(lead.ID)
	require.True(t, ok, "dangling lead stays in the store")

	byStage := s.LeadsByStage()
	for _, leads := range byStage {
		for _, l := range leads {
			assert.NotEqual(t, lead.ID, l.ID, "dangling lead must not appear in any column")
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)

	fetched := time.Now().UTC()
	snapshot := models.RemoteSnapshot{
		Pipeline:  &pipeline,
		Leads:     []models.Lead{testLead(pipeline.Stages[0].ID, fetched.Add(-time.Hour))},
		FetchedAt: fetched,
	}

	s.Merge(snapshot, nil)
	first := s.Leads()

	s.Merge(snapshot, nil)
	second := s.Leads()

	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.TotalLeads())
}

func TestMergeLocalWinsUntilConfirmed(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	stageA := pipeline.Stages[0]
	stageB := pipeline.Stages[1]

	lead := testLead(stageA.ID, time.Now().UTC().Add(-time.Hour))
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &lead})
	s.Apply(Mutation{Kind: models.MutationMove, LeadID: lead.ID, ToStageID: stageB.ID})

	// The remote snapshot still reports the lead at stage A.
	remoteLead := lead.Clone()
	remoteLead.StageID = stageA.ID
	snapshot := models.RemoteSnapshot{
		Pipeline:  &pipeline,
		Leads:     []models.Lead{remoteLead},
		FetchedAt: time.Now().UTC(),
	}

	pending := []models.PendingMutation{{
		ID:       uuid.New(),
		LeadID:   lead.ID,
		Kind:     models.MutationMove,
		Seq:      1,
		IssuedAt: time.Now().UTC().Add(-time.Second),
	}}

	s.Merge(snapshot, pending)

	got, ok := s.Lead(lead.ID)
	require.True(t, ok)
	assert.Equal(t, stageB.ID, got.StageID, "unconfirmed local move must not be reverted")
}

func TestMergeRemoteWinsAfterConfirmation(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	stageA := pipeline.Stages[0]
	stageB := pipeline.Stages[1]

	lead := testLead(stageB.ID, time.Now().UTC().Add(-time.Hour))
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &lead})

	remoteLead := lead.Clone()
	remoteLead.StageID = stageA.ID
	snapshot := models.RemoteSnapshot{
		Pipeline:  &pipeline,
		Leads:     []models.Lead{remoteLead},
		FetchedAt: time.Now().UTC(),
	}

	// Mutation confirmed before the snapshot was fetched: remote wins.
	pending := []models.PendingMutation{{
		ID:        uuid.New(),
		LeadID:    lead.ID,
		Kind:      models.MutationMove,
		Seq:       1,
		IssuedAt:  time.Now().UTC().Add(-time.Minute),
		Confirmed: true,
	}}

	s.Merge(snapshot, pending)

	got, ok := s.Lead(lead.ID)
	require.True(t, ok)
	assert.Equal(t, stageA.ID, got.StageID)
}

func TestMergeKeepsLocallyCreatedLeadAbsentFromSnapshot(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	lead := testLead(pipeline.Stages[0].ID, time.Now().UTC())
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &lead})

	snapshot := models.RemoteSnapshot{
		Pipeline:  &pipeline,
		Leads:     nil,
		FetchedAt: time.Now().UTC(),
	}
	pending := []models.PendingMutation{{
		ID:       uuid.New(),
		LeadID:   lead.ID,
		Kind:     models.MutationCreate,
		Seq:      1,
		IssuedAt: time.Now().UTC(),
	}}

	s.Merge(snapshot, pending)

	_, ok := s.Lead(lead.ID)
	assert.True(t, ok, "pending local create survives a merge that does not know it yet")
}

func TestSyncFailureLeavesStoreUntouched(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	lead := testLead(pipeline.Stages[0].ID, time.Now().UTC())
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &lead})

	s.RecordSyncFailure(errors.New("connection refused"))

	count, lastErr := s.SyncErrors()
	assert.Equal(t, 1, count)
	assert.Equal(t, "connection refused", lastErr)
	assert.Equal(t, 1, s.TotalLeads())

	// A successful merge clears the advisory error but keeps the counter.
	s.Merge(models.RemoteSnapshot{Pipeline: &pipeline, Leads: []models.Lead{lead}, FetchedAt: time.Now().UTC()}, nil)
	count, lastErr = s.SyncErrors()
	assert.Equal(t, 1, count)
	assert.Empty(t, lastErr)
}

func TestValueByStageAndCounts(t *testing.T) {
	s := New(testLogger())
	pipeline := testPipeline(t)
	s.SetPipeline(pipeline)

	stage := pipeline.Stages[0]
	a := testLead(stage.ID, time.Now().UTC())
	a.Value = 1500
	b := testLead(stage.ID, time.Now().UTC())
	b.Value = 500
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &a})
	s.Apply(Mutation{Kind: models.MutationCreate, Lead: &b})

	values := s.ValueByStage()
	assert.Equal(t, 2000.0, values[stage.ID])

	counts := s.StageLeadCounts()
	assert.Equal(t, 2, counts["New"])
}

func TestTerminalStage(t *testing.T) {
	won, lost := TerminalStage("Won")
	assert.True(t, won)
	assert.False(t, lost)

	won, lost = TerminalStage("Closed Lost")
	assert.False(t, won)
	assert.True(t, lost)
}
