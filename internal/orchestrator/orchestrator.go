// Package orchestrator drives the job state machine. It owns the ledger, registry,
// scheduler and council, and is the only writer to any of them.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/checkpoint"
	"job-orchestrator/internal/control"
	"job-orchestrator/internal/council"
	"job-orchestrator/internal/ledger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/registry"
	"job-orchestrator/internal/scheduler"
	"job-orchestrator/internal/sim"
	"job-orchestrator/internal/supervisor"
)

// Config tunes the orchestrator and its background loops. A zero interval disables its loop.
type Config struct {
	Governance          models.GovernanceParameters
	Validators          []string
	ClaimWindow         time.Duration
	CheckpointInterval  time.Duration
	WatchdogInterval    time.Duration
	PricingInterval     time.Duration
	SimHoursPerTick     float64
	HealthInterval      time.Duration
	AgentStaleAfter     time.Duration
	StatusInterval      time.Duration
	StatusPath          string
	ControlPollInterval time.Duration
	PruneInterval       time.Duration
	MaxBackgroundTasks  int
}

// DefaultConfig returns intervals suitable for a local mission.
func DefaultConfig() Config {
	return Config{
		Governance:          models.DefaultGovernance(),
		CheckpointInterval:  30 * time.Second,
		WatchdogInterval:    5 * time.Second,
		PricingInterval:     10 * time.Second,
		SimHoursPerTick:     1,
		HealthInterval:      15 * time.Second,
		AgentStaleAfter:     time.Minute,
		StatusInterval:      30 * time.Second,
		ControlPollInterval: 2 * time.Second,
		PruneInterval:       time.Minute,
		MaxBackgroundTasks:  16,
	}
}

// Options carries the collaborators. Bus and Ledger are created when nil; the rest are optional.
type Options struct {
	Bus         *bus.Bus
	Ledger      *ledger.Ledger
	Checkpoints *checkpoint.Store
	Control     *control.Poller
	Simulator   sim.Simulator
	Logger      logrus.FieldLogger
}

// Orchestrator coordinates job posting, claims, validation and settlement.
type Orchestrator struct {
	cfg         Config
	log         logrus.FieldLogger
	bus         *bus.Bus
	ledger      *ledger.Ledger
	jobs        *registry.Registry
	sched       *scheduler.Scheduler
	council     *council.Council
	gate        *supervisor.Gate
	sup         *supervisor.Supervisor
	checkpoints *checkpoint.Store
	control     *control.Poller
	sim         sim.Simulator

	// mu serialises every job transition. Component locks are only taken beneath it.
	mu sync.Mutex

	govMu sync.RWMutex
	gov   models.GovernanceParameters

	claims *claimBook
	health *healthBook

	startOnce    sync.Once
	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
	done         chan struct{}
	shutdownErr  error
}

// New wires an orchestrator. Call Restore before Start to resume from a checkpoint.
func New(cfg Config, opts Options) (*Orchestrator, error) {
	if err := cfg.Governance.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBackgroundTasks <= 0 {
		cfg.MaxBackgroundTasks = DefaultConfig().MaxBackgroundTasks
	}
	if cfg.ClaimWindow < 0 {
		return nil, fmt.Errorf("claim window must be >= 0")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "orchestrator")

	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	l := opts.Ledger
	if l == nil {
		l = ledger.New(ledger.Config{})
	}
	gate := supervisor.NewGate()

	o := &Orchestrator{
		cfg:         cfg,
		log:         log,
		bus:         b,
		ledger:      l,
		jobs:        registry.New(),
		sched:       scheduler.New(log),
		council:     council.New(b),
		gate:        gate,
		sup:         supervisor.New(context.Background(), cfg.MaxBackgroundTasks, gate, log),
		checkpoints: opts.Checkpoints,
		control:     opts.Control,
		sim:         opts.Simulator,
		gov:         cfg.Governance,
		claims:      newClaimBook(),
		health:      newHealthBook(),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	o.sched.Register(models.EventJobDeadline, o.onDeadline)
	o.sched.Register(models.EventCommitPhaseEnd, o.onCommitPhaseEnd)
	o.sched.Register(models.EventRevealPhaseEnd, o.onRevealPhaseEnd)
	return o, nil
}

// Bus exposes the message bus for agents and listeners.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Ledger exposes balances for read access.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Gate is the process-wide pause gate.
func (o *Orchestrator) Gate() *supervisor.Gate { return o.gate }

// Governance returns the current parameters.
func (o *Orchestrator) Governance() models.GovernanceParameters {
	o.govMu.RLock()
	defer o.govMu.RUnlock()
	return o.gov
}

// UpdateGovernance applies a partial update after validating the result.
func (o *Orchestrator) UpdateGovernance(u models.GovernanceUpdate) (models.GovernanceParameters, error) {
	o.govMu.Lock()
	next := o.gov.Apply(u)
	if err := next.Validate(); err != nil {
		o.govMu.Unlock()
		return o.gov, err
	}
	o.gov = next
	o.govMu.Unlock()

	o.log.WithField("governance", fmt.Sprintf("%+v", next)).Info("governance updated")
	o.bus.Publish(models.TopicGovernance, next, models.OrchestratorAddress)
	return next, nil
}

// UpdateResources changes pool capacities or price clamps.
func (o *Orchestrator) UpdateResources(u models.PoolUpdate) (ledger.Pool, error) {
	pool, err := o.ledger.UpdatePool(u)
	if err != nil {
		return pool, err
	}
	o.publishPricing(pool)
	return pool, nil
}

// Pause blocks new transitions and periodic loops until Resume.
func (o *Orchestrator) Pause() error {
	if !o.Governance().PauseEnabled {
		return fmt.Errorf("%w: pausing is disabled", models.ErrInvalidParameters)
	}
	if o.gate.Pause() {
		o.log.Info("orchestrator paused")
		o.bus.Publish(models.TopicOrchestrator, map[string]any{"paused": true}, models.OrchestratorAddress)
	}
	return nil
}

// Resume reopens the gate.
func (o *Orchestrator) Resume() {
	if o.gate.Resume() {
		o.log.Info("orchestrator resumed")
		o.bus.Publish(models.TopicOrchestrator, map[string]any{"paused": false}, models.OrchestratorAddress)
	}
}

// RequestStop asks the owning process to shut down. It does not stop anything itself.
func (o *Orchestrator) RequestStop() {
	o.stopOnce.Do(func() {
		o.log.Info("stop requested")
		close(o.stopCh)
	})
}

// StopRequested is closed once a stop has been requested.
func (o *Orchestrator) StopRequested() <-chan struct{} { return o.stopCh }

// Done is closed after Shutdown has written its final checkpoint.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Job returns a copy of one job.
func (o *Orchestrator) Job(id string) (models.Job, error) {
	return o.jobs.Get(id)
}

// Jobs lists jobs, optionally restricted to the given statuses.
func (o *Orchestrator) Jobs(statuses ...models.JobStatus) []models.Job {
	if len(statuses) == 0 {
		return o.jobs.List(nil)
	}
	return o.jobs.WithStatus(statuses...)
}

// PendingEvents lists scheduled events ordered by execution time.
func (o *Orchestrator) PendingEvents() []models.ScheduledEvent {
	return o.sched.PendingEvents()
}

// lockOpen takes o.mu once the gate is open. A pause that lands while the caller is
// queued on the mutex sends it back to wait at the gate.
func (o *Orchestrator) lockOpen(ctx context.Context) error {
	for {
		if err := o.waitGate(ctx); err != nil {
			return err
		}
		o.mu.Lock()
		if !o.gate.Paused() {
			return nil
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) waitGate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return o.gate.Wait(ctx)
}

func (o *Orchestrator) publishJobEvent(topic string, job models.Job, reason string) {
	o.bus.Publish(topic, models.JobEvent{
		Version: models.MessageVersion,
		JobID:   job.ID,
		Status:  job.Status,
		Outcome: job.Outcome,
		Agent:   job.AssignedAgent,
		Reason:  reason,
	}, models.OrchestratorAddress)
}

func deadlineEventID(jobID string) string { return "deadline:" + jobID }
func commitEventID(jobID string) string   { return "commit:" + jobID }
func revealEventID(jobID string) string   { return "reveal:" + jobID }

func jobPayload(jobID string) map[string]string {
	return map[string]string{models.PayloadJobID: jobID}
}
