package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type recordingExecutor struct {
	mu    sync.Mutex
	fired []uuid.UUID // rule ids in dispatch order
}

func (r *recordingExecutor) ExecuteAction(ctx context.Context, rule models.AutomationRule, lead models.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, rule.ID)
	return nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func rule(tenantID uuid.UUID, triggerStage string, enabled bool) models.AutomationRule {
	return models.AutomationRule{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Name:         "notify on " + triggerStage,
		TriggerStage: triggerStage,
		ActionType:   "send_message",
		Enabled:      enabled,
	}
}

func newTestEvaluator(t *testing.T, rules ...models.AutomationRule) (*Evaluator, *recordingExecutor, models.Pipeline) {
	t.Helper()
	tenantID := uuid.New()
	st := store.New(testLogger())
	pipeline := models.NewDefaultPipeline(tenantID)
	st.SetPipeline(pipeline)
	st.SetRules(rules)
	exec := &recordingExecutor{}
	return NewEvaluator(st, exec, testLogger()), exec, pipeline
}

func waitFired(t *testing.T, exec *recordingExecutor, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return exec.count() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestEnabledRuleFiresOncePerEntry(t *testing.T) {
	tenantID := uuid.New()
	r := rule(tenantID, "Contacted", true)
	eval, exec, pipeline := newTestEvaluator(t, r)

	lead := models.Lead{ID: uuid.New(), TenantID: tenantID}
	eval.LeadEnteredStage(context.Background(), lead, pipeline.Stages[1])

	waitFired(t, exec, 1)
}

func TestDisabledRuleNeverFires(t *testing.T) {
	tenantID := uuid.New()
	r := rule(tenantID, "Contacted", false)
	eval, exec, pipeline := newTestEvaluator(t, r)

	lead := models.Lead{ID: uuid.New(), TenantID: tenantID}
	eval.LeadEnteredStage(context.Background(), lead, pipeline.Stages[1])

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, exec.count())
}

func TestReEntryFiresAgain(t *testing.T) {
	tenantID := uuid.New()
	r := rule(tenantID, "Contacted", true)
	eval, exec, pipeline := newTestEvaluator(t, r)

	lead := models.Lead{ID: uuid.New(), TenantID: tenantID}
	eval.LeadEnteredStage(context.Background(), lead, pipeline.Stages[1])
	eval.LeadEnteredStage(context.Background(), lead, pipeline.Stages[1])

	waitFired(t, exec, 2)
}

func TestMultipleRulesOnSameStageAllFire(t *testing.T) {
	tenantID := uuid.New()
	a := rule(tenantID, "Qualified", true)
	b := rule(tenantID, "Qualified", true)
	c := rule(tenantID, "Won", true)
	eval, exec, pipeline := newTestEvaluator(t, a, b, c)

	lead := models.Lead{ID: uuid.New(), TenantID: tenantID}
	eval.LeadEnteredStage(context.Background(), lead, pipeline.Stages[2])

	waitFired(t, exec, 2)
}

// heldExecutor blocks dispatch until released, then reports the context
// error it observed.
type heldExecutor struct {
	released <-chan struct{}
	got      chan error
}

func (h *heldExecutor) ExecuteAction(ctx context.Context, rule models.AutomationRule, lead models.Lead) error {
	<-h.released
	h.got <- ctx.Err()
	return nil
}

func TestDispatchSurvivesCallerCancellation(t *testing.T) {
	tenantID := uuid.New()
	r := rule(tenantID, "Contacted", true)
	st := store.New(testLogger())
	pipeline := models.NewDefaultPipeline(tenantID)
	st.SetPipeline(pipeline)
	st.SetRules([]models.AutomationRule{r})

	released := make(chan struct{})
	exec := &heldExecutor{released: released, got: make(chan error, 1)}
	eval := NewEvaluator(st, exec, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	eval.LeadEnteredStage(ctx, models.Lead{ID: uuid.New(), TenantID: tenantID}, pipeline.Stages[1])
	cancel()
	close(released)

	select {
	case err := <-exec.got:
		assert.NoError(t, err, "dispatch context must outlive the caller's")
	case <-time.After(2 * time.Second):
		t.Fatal("automation action was never dispatched")
	}
}

func TestTriggerStageMatchIsCaseInsensitive(t *testing.T) {
	tenantID := uuid.New()
	r := rule(tenantID, "contacted", true)
	eval, exec, pipeline := newTestEvaluator(t, r)

	lead := models.Lead{ID: uuid.New(), TenantID: tenantID}
	eval.LeadEnteredStage(context.Background(), lead, pipeline.Stages[1])

	waitFired(t, exec, 1)
}
