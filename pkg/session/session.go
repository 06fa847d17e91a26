// Package session wires a tenant's store, mutation engine, lifecycle manager
// and reconciliation poller together and keeps one live set per tenant.
package session

import (
	"context"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/automation"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/lifecycle"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/mutation"
	"github.com/Ramsey-B/clover/pkg/reconcile"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/store"
)

// Session is one tenant's live pipeline state and its workers.
type Session struct {
	TenantID  uuid.UUID
	Store     *store.Store
	Engine    *mutation.Engine
	Lifecycle *lifecycle.Manager
	Evaluator *automation.Evaluator
	Poller    *reconcile.Poller
	// DeadLetters records abandoned remote writes; nil without Redis.
	DeadLetters *redis.DeadLetterQueue
}

// Manager creates sessions on first use and keeps them for the life of the
// process.
type Manager struct {
	client    *crm.Client
	accounts  repositories.AccountRepo
	rules     repositories.RuleRepo
	redis     *redis.Client
	producer  *kafka.Producer
	pollerCfg reconcile.Config
	logger    ectologger.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a session manager. The redis client and kafka producer
// are optional; without them sessions run without the shared token cache,
// sync locks and event publishing.
func NewManager(
	client *crm.Client,
	accounts repositories.AccountRepo,
	rules repositories.RuleRepo,
	redisClient *redis.Client,
	producer *kafka.Producer,
	pollerCfg reconcile.Config,
	logger ectologger.Logger,
) *Manager {
	return &Manager{
		client:    client,
		accounts:  accounts,
		rules:     rules,
		redis:     redisClient,
		producer:  producer,
		pollerCfg: pollerCfg,
		logger:    logger,
		sessions:  make(map[uuid.UUID]*Session),
	}
}

// Get returns the tenant's session, creating and starting it on first use.
func (m *Manager) Get(ctx context.Context, tenantID uuid.UUID) (*Session, error) {
	m.mu.RLock()
	if session, ok := m.sessions[tenantID]; ok {
		m.mu.RUnlock()
		return session, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double check after acquiring write lock
	if session, ok := m.sessions[tenantID]; ok {
		return session, nil
	}

	session, err := m.build(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	m.sessions[tenantID] = session
	metrics.SessionsActive.Inc()
	return session, nil
}

// Peek returns the tenant's session without creating one.
func (m *Manager) Peek(tenantID uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[tenantID]
	return session, ok
}

// build assembles a session and starts its poller.
func (m *Manager) build(ctx context.Context, tenantID uuid.UUID) (*Session, error) {
	lm := lifecycle.NewManager(tenantID, m.client, m.accounts, m.redis, m.logger)
	if err := lm.Resume(ctx); err != nil {
		return nil, err
	}

	st := store.New(m.logger)
	// Seed a local pipeline so the board renders before the first sync.
	st.SetPipeline(models.NewDefaultPipeline(tenantID))

	if m.rules != nil {
		if rules, err := m.rules.ListEnabled(ctx, tenantID); err == nil {
			st.SetRules(rules)
		}
	}

	var executor automation.ActionExecutor
	var events mutation.EventPublisher
	if m.producer != nil {
		executor = automation.NewKafkaExecutor(m.producer)
		events = newLeadEventPublisher(m.producer, m.logger)
	}
	evaluator := automation.NewEvaluator(st, executor, m.logger)

	var locker *redis.Locker
	var deadLetters *redis.DeadLetterQueue
	if m.redis != nil {
		locker = redis.NewLocker(m.redis, "clover:")
		deadLetters = redis.NewDeadLetterQueue(m.redis, "", m.logger)
	}

	writer := &remoteWriter{
		lifecycle:   lm,
		deadLetters: deadLetters,
		tenantID:    tenantID,
		logger:      m.logger,
	}
	engine := mutation.NewEngine(tenantID, st, writer, lm, evaluator, events, m.logger)
	source := func(ctx context.Context) (reconcile.SnapshotSource, error) {
		return lm.Session()
	}
	poller := reconcile.NewPoller(tenantID, st, engine, lm, source, m.rules, locker, m.pollerCfg, m.logger)

	if err := poller.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	return &Session{
		TenantID:    tenantID,
		Store:       st,
		Engine:      engine,
		Lifecycle:   lm,
		Evaluator:   evaluator,
		Poller:      poller,
		DeadLetters: deadLetters,
	}, nil
}

// Shutdown stops every session's poller.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.Poller.Stop(ctx); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warnf("Failed to stop poller for tenant %s", session.TenantID)
		}
		metrics.SessionsActive.Dec()
	}
}

// remoteWriter routes engine writes through the lifecycle's current API
// session so a reconnect picks up fresh credentials. Failed writes are
// abandoned, so they are dead-lettered for operator inspection.
type remoteWriter struct {
	lifecycle   *lifecycle.Manager
	deadLetters *redis.DeadLetterQueue
	tenantID    uuid.UUID
	logger      ectologger.Logger
}

func (w *remoteWriter) CreateLead(ctx context.Context, lead models.Lead) (int64, error) {
	session, err := w.lifecycle.Session()
	if err != nil {
		return 0, err
	}
	remoteID, err := session.CreateLead(ctx, lead)
	if err != nil {
		w.deadLetter(ctx, lead, "create", err)
		return 0, err
	}
	if lead.Channel != "" {
		if err := session.AddNote(ctx, remoteID, "Lead captured via "+lead.Channel); err != nil {
			w.logger.WithContext(ctx).WithError(err).Warnf("Failed to add source note to remote lead %d", remoteID)
		}
	}
	return remoteID, nil
}

func (w *remoteWriter) UpdateLeadStage(ctx context.Context, lead models.Lead, stage models.Stage) error {
	session, err := w.lifecycle.Session()
	if err != nil {
		return err
	}
	if err := session.UpdateLeadStage(ctx, lead, stage); err != nil {
		w.deadLetter(ctx, lead, "move", err)
		return err
	}
	return nil
}

func (w *remoteWriter) deadLetter(ctx context.Context, lead models.Lead, kind string, cause error) {
	if w.deadLetters == nil {
		return
	}
	if _, err := w.deadLetters.Add(ctx, &redis.DLQEntry{
		TenantID:     w.tenantID.String(),
		LeadID:       lead.ID.String(),
		Kind:         kind,
		ErrorMessage: cause.Error(),
	}); err != nil {
		w.logger.WithContext(ctx).WithError(err).Warnf("Failed to dead-letter %s write for lead %s", kind, lead.ID)
	}
}
