// Package reconcile periodically pulls the remote CRM's view of a tenant and
// merges it into the local store.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrPollerStopped is returned when the poller is stopped
	ErrPollerStopped = errors.New("poller stopped")

	// ErrPollerAlreadyRunning is returned when trying to start an already running poller
	ErrPollerAlreadyRunning = errors.New("poller already running")
)

const (
	// DefaultPollInterval is the default interval between reconciliation cycles
	DefaultPollInterval = 15 * time.Second

	// DefaultLockTTL is the default TTL for the per-tenant sync lock
	DefaultLockTTL = 60 * time.Second

	// DefaultPruneAfter is how long confirmed mutations are retained
	DefaultPruneAfter = 5 * time.Minute

	// LockKeyPrefix is the prefix for sync locks
	LockKeyPrefix = "sync:tenant:"
)

// SnapshotSource fetches the remote CRM's state. The crm session implements
// this.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (models.RemoteSnapshot, error)
	CreatePipeline(ctx context.Context, pipeline models.Pipeline) error
}

// SourceFunc resolves the snapshot source for the current cycle. It fails
// while the integration is not connected.
type SourceFunc func(ctx context.Context) (SnapshotSource, error)

// Gate reports whether reconciliation may run.
type Gate interface {
	Connected() bool
}

// PendingSource exposes the mutation engine's pending set for merging.
type PendingSource interface {
	Pending() []models.PendingMutation
	Prune(before time.Time)
}

// RuleSource reloads the tenant's automation rules each cycle.
type RuleSource interface {
	ListEnabled(ctx context.Context, tenantID uuid.UUID) ([]models.AutomationRule, error)
}

// Config holds configuration for the poller
type Config struct {
	// PollInterval is how often to reconcile against the remote
	PollInterval time.Duration

	// LockTTL is how long to hold the per-tenant sync lock
	LockTTL time.Duration

	// PruneAfter is how long confirmed mutations are kept before pruning
	PruneAfter time.Duration
}

// DefaultConfig returns the default poller configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		PruneAfter:   DefaultPruneAfter,
	}
}

// Poller reconciles one tenant's local store against the remote CRM. A fetch
// failure counts and logs but never touches local state; the next cycle
// starts from the previous good snapshot.
type Poller struct {
	tenantID uuid.UUID
	store    *store.Store
	engine   PendingSource
	gate     Gate
	source   SourceFunc
	rules    RuleSource
	locker   *redis.Locker
	config   Config
	logger   ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	seeded   bool
	mu       sync.RWMutex
}

// NewPoller creates a new reconciliation poller. The locker and rule source
// are optional; without a locker every instance syncs independently.
func NewPoller(
	tenantID uuid.UUID,
	st *store.Store,
	engine PendingSource,
	gate Gate,
	source SourceFunc,
	rules RuleSource,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) *Poller {
	// Apply defaults
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.PruneAfter <= 0 {
		config.PruneAfter = DefaultPruneAfter
	}

	return &Poller{
		tenantID: tenantID,
		store:    st,
		engine:   engine,
		gate:     gate,
		source:   source,
		rules:    rules,
		locker:   locker,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the poller
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPollerAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	ctx = appctx.SetTenantID(ctx, p.tenantID.String())
	p.logger.WithContext(ctx).Infof("Starting reconciliation poller: poll_interval=%s", p.config.PollInterval)

	go p.pollLoop(ctx)
	return nil
}

// Stop stops the poller gracefully
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Reconciliation poller stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Reconciliation poller shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the poller is running
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// pollLoop continuously runs reconciliation cycles
func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.stoppedC)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	p.RunCycle(ctx)

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Reconciliation poll loop stopping")
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle runs a single reconciliation cycle. Exported so handlers can force
// an immediate sync.
func (p *Poller) RunCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Poller.RunCycle")
	defer span.End()

	if !p.gate.Connected() {
		p.logger.WithContext(ctx).Debug("Integration not connected, skipping reconciliation")
		return
	}

	if p.locker != nil {
		lock, err := p.locker.Acquire(ctx, p.lockKey(), p.config.LockTTL)
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				p.logger.WithContext(ctx).Debug("Another instance holds the sync lock, skipping cycle")
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to acquire sync lock")
			return
		}
		defer lock.Release(ctx)
	}

	start := time.Now()

	src, err := p.source(ctx)
	if err != nil {
		p.recordFailure(ctx, start, err)
		return
	}

	snapshot, err := src.FetchSnapshot(ctx)
	if err != nil {
		p.recordFailure(ctx, start, err)
		return
	}

	if snapshot.Pipeline == nil {
		snapshot, err = p.seedPipeline(ctx, src)
		if err != nil {
			p.recordFailure(ctx, start, err)
			return
		}
		if snapshot.Pipeline == nil {
			p.recordFailure(ctx, start, errors.New("remote has no pipeline after seeding"))
			return
		}
	}

	p.store.Merge(snapshot, p.engine.Pending())
	p.engine.Prune(time.Now().Add(-p.config.PruneAfter))

	if p.rules != nil {
		rules, err := p.rules.ListEnabled(ctx, p.tenantID)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to reload automation rules")
		} else {
			p.store.SetRules(rules)
		}
	}

	metrics.RecordSyncCycle(p.tenantID.String(), "success", time.Since(start).Seconds())
	p.logger.WithContext(ctx).Debugf("Reconciliation cycle completed: leads=%d duration=%s",
		len(snapshot.Leads), time.Since(start))
}

// seedPipeline pushes the default pipeline to an empty remote account, then
// refetches. The seed happens at most once per connect; a failed seed is
// retried next cycle.
func (p *Poller) seedPipeline(ctx context.Context, src SnapshotSource) (models.RemoteSnapshot, error) {
	p.mu.Lock()
	alreadySeeded := p.seeded
	p.mu.Unlock()
	if alreadySeeded {
		return models.RemoteSnapshot{}, errors.New("remote pipeline missing after seed")
	}

	pipeline := p.store.Pipeline()
	if pipeline == nil {
		seeded := models.NewDefaultPipeline(p.tenantID)
		p.store.SetPipeline(seeded)
		pipeline = &seeded
	}

	p.logger.WithContext(ctx).Infof("Remote account has no pipeline, seeding '%s' with %d stages",
		pipeline.Name, len(pipeline.Stages))

	if err := src.CreatePipeline(ctx, *pipeline); err != nil {
		return models.RemoteSnapshot{}, err
	}

	p.mu.Lock()
	p.seeded = true
	p.mu.Unlock()

	return src.FetchSnapshot(ctx)
}

// recordFailure counts a failed cycle without touching local lead state.
func (p *Poller) recordFailure(ctx context.Context, start time.Time, err error) {
	p.store.RecordSyncFailure(err)
	metrics.SyncErrorsTotal.WithLabelValues(p.tenantID.String()).Inc()
	metrics.RecordSyncCycle(p.tenantID.String(), "failure", time.Since(start).Seconds())
	p.logger.WithContext(ctx).WithError(err).Warn("Reconciliation cycle failed")
}

// lockKey generates the per-tenant sync lock key
func (p *Poller) lockKey() string {
	return LockKeyPrefix + p.tenantID.String()
}
