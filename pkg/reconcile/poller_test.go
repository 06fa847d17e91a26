package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeGate struct{ connected bool }

func (g *fakeGate) Connected() bool { return g.connected }

type fakeEngine struct {
	mu      sync.Mutex
	pending []models.PendingMutation
	prunes  int
}

func (e *fakeEngine) Pending() []models.PendingMutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.PendingMutation(nil), e.pending...)
}

func (e *fakeEngine) Prune(before time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prunes++
}

type fakeSource struct {
	mu        sync.Mutex
	snapshots []models.RemoteSnapshot
	fetchErr  error
	createErr error
	created   []models.Pipeline
	fetches   int
}

func (f *fakeSource) FetchSnapshot(ctx context.Context) (models.RemoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return models.RemoteSnapshot{}, f.fetchErr
	}
	if len(f.snapshots) == 0 {
		return models.RemoteSnapshot{FetchedAt: time.Now().UTC()}, nil
	}
	snapshot := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	snapshot.FetchedAt = time.Now().UTC()
	return snapshot, nil
}

func (f *fakeSource) CreatePipeline(ctx context.Context, pipeline models.Pipeline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, pipeline)
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	return nil
}

type fakeRules struct {
	mu    sync.Mutex
	rules []models.AutomationRule
	calls int
}

func (f *fakeRules) ListEnabled(ctx context.Context, tenantID uuid.UUID) ([]models.AutomationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]models.AutomationRule(nil), f.rules...), nil
}

func remoteSnapshot(tenantID uuid.UUID, leadCount int) models.RemoteSnapshot {
	pipeline := models.NewDefaultPipeline(tenantID)
	pipeline.RemoteID = 7001
	snapshot := models.RemoteSnapshot{Pipeline: &pipeline}
	for i := 0; i < leadCount; i++ {
		snapshot.Leads = append(snapshot.Leads, models.Lead{
			ID:       uuid.New(),
			TenantID: tenantID,
			RemoteID: int64(9000 + i),
			Status:   pipeline.Stages[0].Name,
			StageID:  pipeline.Stages[0].ID,
		})
	}
	return snapshot
}

func newTestPoller(t *testing.T, st *store.Store, src *fakeSource, gate *fakeGate, engine *fakeEngine, rules RuleSource) *Poller {
	t.Helper()
	tenantID := uuid.New()
	source := func(ctx context.Context) (SnapshotSource, error) { return src, nil }
	return NewPoller(tenantID, st, engine, gate, source, rules, nil, DefaultConfig(), testLogger())
}

func TestRunCycleSkipsWhenDisconnected(t *testing.T) {
	st := store.New(testLogger())
	src := &fakeSource{snapshots: []models.RemoteSnapshot{remoteSnapshot(uuid.New(), 1)}}
	p := newTestPoller(t, st, src, &fakeGate{connected: false}, &fakeEngine{}, nil)

	p.RunCycle(context.Background())

	assert.Equal(t, 0, src.fetches)
	assert.Equal(t, 0, st.TotalLeads())
	assert.Nil(t, st.LastSyncedAt())
}

func TestRunCycleMergesSnapshot(t *testing.T) {
	st := store.New(testLogger())
	engine := &fakeEngine{}
	rules := &fakeRules{rules: []models.AutomationRule{{ID: uuid.New(), TriggerStage: "Won", Enabled: true}}}
	p := newTestPoller(t, st, &fakeSource{}, &fakeGate{connected: true}, engine, rules)
	src := &fakeSource{snapshots: []models.RemoteSnapshot{remoteSnapshot(p.tenantID, 3)}}
	p.source = func(ctx context.Context) (SnapshotSource, error) { return src, nil }

	p.RunCycle(context.Background())

	assert.Equal(t, 3, st.TotalLeads())
	require.NotNil(t, st.Pipeline())
	assert.Len(t, st.Pipeline().Stages, len(models.DefaultStageNames))
	assert.NotNil(t, st.LastSyncedAt())
	assert.Equal(t, 1, engine.prunes)
	assert.Equal(t, 1, rules.calls)
	assert.Len(t, st.Rules(), 1)
}

func TestRunCycleSeedsDefaultPipelineOnce(t *testing.T) {
	st := store.New(testLogger())
	p := newTestPoller(t, st, &fakeSource{}, &fakeGate{connected: true}, &fakeEngine{}, nil)
	seeded := remoteSnapshot(p.tenantID, 0)
	src := &fakeSource{snapshots: []models.RemoteSnapshot{{}, seeded}}
	p.source = func(ctx context.Context) (SnapshotSource, error) { return src, nil }

	p.RunCycle(context.Background())

	require.Len(t, src.created, 1)
	assert.Len(t, src.created[0].Stages, len(models.DefaultStageNames))
	assert.Equal(t, "New", src.created[0].Stages[0].Name)
	require.NotNil(t, st.Pipeline())
	assert.NotNil(t, st.LastSyncedAt())

	// The next cycle finds the pipeline and does not seed again
	p.RunCycle(context.Background())
	assert.Len(t, src.created, 1)
}

func TestSeedFailureRetriesNextCycle(t *testing.T) {
	st := store.New(testLogger())
	p := newTestPoller(t, st, &fakeSource{}, &fakeGate{connected: true}, &fakeEngine{}, nil)
	seeded := remoteSnapshot(p.tenantID, 0)
	src := &fakeSource{
		snapshots: []models.RemoteSnapshot{{}, {}, seeded},
		createErr: errors.New("remote unavailable"),
	}
	p.source = func(ctx context.Context) (SnapshotSource, error) { return src, nil }

	p.RunCycle(context.Background())
	count, _ := st.SyncErrors()
	assert.Equal(t, 1, count)
	assert.Len(t, src.created, 1)

	p.RunCycle(context.Background())
	assert.Len(t, src.created, 2)
	assert.NotNil(t, st.LastSyncedAt())
}

func TestRunCycleFailureLeavesStoreUntouched(t *testing.T) {
	st := store.New(testLogger())
	p := newTestPoller(t, st, &fakeSource{}, &fakeGate{connected: true}, &fakeEngine{}, nil)
	src := &fakeSource{snapshots: []models.RemoteSnapshot{remoteSnapshot(p.tenantID, 2)}}
	p.source = func(ctx context.Context) (SnapshotSource, error) { return src, nil }

	p.RunCycle(context.Background())
	require.Equal(t, 2, st.TotalLeads())
	firstSync := st.LastSyncedAt()

	src.fetchErr = errors.New("remote timeout")
	p.RunCycle(context.Background())

	assert.Equal(t, 2, st.TotalLeads())
	assert.Equal(t, firstSync, st.LastSyncedAt())
	count, lastErr := st.SyncErrors()
	assert.Equal(t, 1, count)
	assert.Contains(t, lastErr, "remote timeout")
}

func TestStartAndStop(t *testing.T) {
	st := store.New(testLogger())
	src := &fakeSource{snapshots: []models.RemoteSnapshot{remoteSnapshot(uuid.New(), 0)}}
	p := newTestPoller(t, st, src, &fakeGate{connected: false}, &fakeEngine{}, nil)

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(context.Background()), ErrPollerAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
}
